package aliyunpan

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangeServer serves blob over HTTP Range requests and counts them.
func rangeServer(t *testing.T, blob []byte, requests *atomic.Int64, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(blob) //nolint:errcheck
			return
		}
		var start, end int64
		parts := strings.SplitN(strings.TrimPrefix(rng, "bytes="), "-", 2)
		start, _ = strconv.ParseInt(parts[0], 10, 64)
		end, _ = strconv.ParseInt(parts[1], 10, 64)
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(blob[start : end+1]) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChunkReaderReassemblesInOrder(t *testing.T) {
	blob := make([]byte, 5<<20)
	_, err := rand.New(rand.NewSource(1)).Read(blob)
	require.NoError(t, err)

	var requests atomic.Int64
	srv := rangeServer(t, blob, &requests, 0)

	r := newChunkReader(context.Background(), srv.Client(), srv.URL,
		int64(len(blob)), 512<<10, 8)
	defer r.Close() //nolint:errcheck

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
	// 5 MiB / 512 KiB = 10 ranges, one request each.
	assert.EqualValues(t, 10, requests.Load())
}

func TestChunkReaderShortTail(t *testing.T) {
	blob := make([]byte, 512<<10+100)
	_, err := rand.New(rand.NewSource(2)).Read(blob)
	require.NoError(t, err)

	var requests atomic.Int64
	srv := rangeServer(t, blob, &requests, 0)

	r := newChunkReader(context.Background(), srv.Client(), srv.URL,
		int64(len(blob)), 512<<10, 4)
	defer r.Close() //nolint:errcheck

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
	assert.EqualValues(t, 2, requests.Load())
}

func TestChunkReaderFailedChunkAbortsStream(t *testing.T) {
	blob := make([]byte, 2<<20)
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 2 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, strings.NewReader(string(blob)))
	}))
	defer srv.Close()

	r := newChunkReader(context.Background(), srv.Client(), srv.URL,
		int64(len(blob)), 512<<10, 1)
	defer r.Close() //nolint:errcheck

	_, err := io.ReadAll(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 403")
}

func TestChunkReaderCloseCancelsInFlight(t *testing.T) {
	blob := make([]byte, 4<<20)
	var requests atomic.Int64
	// Every range hangs for 30s unless the request context is cancelled.
	srv := rangeServer(t, blob, &requests, 30*time.Second)

	r := newChunkReader(context.Background(), srv.Client(), srv.URL,
		int64(len(blob)), 512<<10, 4)

	done := make(chan struct{})
	go func() {
		r.Close() //nolint:errcheck
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on in-flight chunks")
	}
}
