package aliyunpan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, refreshes *atomic.Int64, expiresIn int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh_token", req["grant_type"])
		n := refreshes.Add(1)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"access_token":  "at-" + req["refresh_token"],
			"refresh_token": req["refresh_token"],
			"expires_in":    expiresIn,
			"n":             n,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSingleRefreshUnderConcurrency(t *testing.T) {
	var refreshes atomic.Int64
	srv := tokenServer(t, &refreshes, 7200)

	c := newAPIClient("rt-1")
	c.base = srv.URL

	var wg sync.WaitGroup
	for n := 0; n < 16; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "at-rt-1", token)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, refreshes.Load())
}

func TestTokenRefreshesWhenExpired(t *testing.T) {
	var refreshes atomic.Int64
	// expires_in 30s is inside the refresh slack, so every call re-exchanges.
	srv := tokenServer(t, &refreshes, 30)

	c := newAPIClient("rt-2")
	c.base = srv.URL

	for n := 0; n < 3; n++ {
		_, err := c.token(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, refreshes.Load())
}

func TestPostRecoversFromRejectedToken(t *testing.T) {
	var refreshes, calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/access_token", func(w http.ResponseWriter, _ *http.Request) {
		refreshes.Add(1)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"access_token": "token", "expires_in": 7200,
		})
	})
	mux.HandleFunc("/adrive/v1.0/user/getSpaceInfo", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
				"code": "AccessTokenExpired", "message": "token expired",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"personal_space_info": map[string]int64{"used_size": 5, "total_size": 10},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newAPIClient("rt-3")
	c.base = srv.URL

	info, err := c.getSpaceInfo(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.PersonalSpaceInfo.UsedSize)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 2, refreshes.Load())
}
