package aliyunpan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/lumen/storage"
)

const (
	openAPIBase = "https://openapi.alipan.com"

	// tokenSlack refreshes the access token slightly before the vendor
	// expiry to avoid racing it on slow requests.
	tokenSlack = 60 * time.Second

	apiTimeout = 30 * time.Second
)

// apiError is the vendor's error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("aliyunpan api: %s (%s, http %d)", e.Message, e.Code, e.Status)
}

func isVendorNotFound(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	return strings.HasPrefix(ae.Code, "NotFound.")
}

// needsFullUpload reports whether create rejected the rapid-upload hash and
// wants the payload uploaded in full (hash fields cleared on retry).
func needsFullUpload(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == "PreHashMatched" || strings.Contains(ae.Code, "ProofCode")
}

// apiClient speaks the vendor's OAuth and openFile APIs. The token state is
// guarded by mu; at most one refresh is in flight at a time and concurrent
// callers wait for it rather than racing their own.
type apiClient struct {
	base  string
	httpc *http.Client

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	expiresAt    time.Time
}

func newAPIClient(refreshToken string) *apiClient {
	return &apiClient{
		base:         openAPIBase,
		httpc:        &http.Client{Timeout: apiTimeout},
		refreshToken: refreshToken,
	}
}

// token returns a live access token, re-exchanging the refresh token when
// the current one is expired.
func (c *apiClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Until(c.expiresAt) > tokenSlack {
		return c.accessToken, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return "", err
	}
	return c.accessToken, nil
}

// invalidate drops the cached token so the next call refreshes. Used when
// the server rejects a token before its advertised expiry.
func (c *apiClient) invalidate() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

func (c *apiClient) refreshLocked(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": c.refreshToken,
	})
	if err != nil {
		return fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/oauth/access_token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("exchange refresh token: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("exchange refresh token: http %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(data)), storage.ErrAuthExpired)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("empty access token: %w", storage.ErrAuthExpired)
	}

	c.accessToken = out.AccessToken
	if out.RefreshToken != "" {
		c.refreshToken = out.RefreshToken
	}
	c.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	log.WithFunc("aliyunpan.refresh").Infof(ctx, "access token refreshed, valid for %ds", out.ExpiresIn)
	return nil
}

// post issues one authenticated API call and decodes the response into out.
// An auth rejection is recovered once by refreshing the token.
func (c *apiClient) post(ctx context.Context, path string, in, out any) error {
	err := c.postOnce(ctx, path, in, out)
	var ae *apiError
	if errors.As(err, &ae) && (ae.Status == http.StatusUnauthorized || ae.Code == "AccessTokenInvalid" || ae.Code == "AccessTokenExpired") {
		c.invalidate()
		err = c.postOnce(ctx, path, in, out)
	}
	return err
}

func (c *apiClient) postOnce(ctx context.Context, path string, in, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ae := &apiError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if jsonErr := json.Unmarshal(data, ae); jsonErr != nil || ae.Code == "" {
			ae.Code = "Unknown"
			ae.Message = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("call %s: %w", path, ae)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type driveInfo struct {
	UserID          string `json:"user_id"`
	DefaultDriveID  string `json:"default_drive_id"`
	AlbumDriveID    string `json:"album_drive_id"`
	ResourceDriveID string `json:"resource_drive_id"`
}

func (c *apiClient) getDriveInfo(ctx context.Context) (*driveInfo, error) {
	info := &driveInfo{}
	if err := c.post(ctx, "/adrive/v1.0/user/getDriveInfo", struct{}{}, info); err != nil {
		return nil, err
	}
	return info, nil
}

type spaceInfo struct {
	PersonalSpaceInfo struct {
		UsedSize  int64 `json:"used_size"`
		TotalSize int64 `json:"total_size"`
	} `json:"personal_space_info"`
}

func (c *apiClient) getSpaceInfo(ctx context.Context) (*spaceInfo, error) {
	info := &spaceInfo{}
	if err := c.post(ctx, "/adrive/v1.0/user/getSpaceInfo", struct{}{}, info); err != nil {
		return nil, err
	}
	return info, nil
}

type fileEntry struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
}

func (c *apiClient) getByPath(ctx context.Context, driveID, filePath string) (*fileEntry, error) {
	entry := &fileEntry{}
	err := c.post(ctx, "/adrive/v1.0/openFile/get_by_path", map[string]string{
		"drive_id":  driveID,
		"file_path": filePath,
	}, entry)
	if err != nil {
		if isVendorNotFound(err) {
			return nil, fmt.Errorf("%s: %w", filePath, storage.ErrNotFound)
		}
		return nil, err
	}
	return entry, nil
}

// createFolder creates (or finds) a directory and returns its file id.
func (c *apiClient) createFolder(ctx context.Context, driveID, parentID, name string) (string, error) {
	var out struct {
		FileID string `json:"file_id"`
	}
	err := c.post(ctx, "/adrive/v1.0/openFile/create", map[string]any{
		"drive_id":        driveID,
		"parent_file_id":  parentID,
		"name":            name,
		"type":            "folder",
		"check_name_mode": "refuse",
	}, &out)
	if err != nil {
		return "", err
	}
	return out.FileID, nil
}

type partInfo struct {
	PartNumber int    `json:"part_number"`
	UploadURL  string `json:"upload_url,omitempty"`
}

type createFileRequest struct {
	DriveID         string     `json:"drive_id"`
	ParentFileID    string     `json:"parent_file_id"`
	Name            string     `json:"name"`
	Type            string     `json:"type"`
	CheckNameMode   string     `json:"check_name_mode"`
	Size            int64      `json:"size"`
	ContentHash     string     `json:"content_hash,omitempty"`
	ContentHashName string     `json:"content_hash_name,omitempty"`
	ProofVersion    string     `json:"proof_version,omitempty"`
	PartInfoList    []partInfo `json:"part_info_list"`
}

type createFileResponse struct {
	FileID       string     `json:"file_id"`
	UploadID     string     `json:"upload_id"`
	RapidUpload  bool       `json:"rapid_upload"`
	FileName     string     `json:"file_name"`
	PartInfoList []partInfo `json:"part_info_list"`
}

func (c *apiClient) createFile(ctx context.Context, req *createFileRequest) (*createFileResponse, error) {
	resp := &createFileResponse{}
	if err := c.post(ctx, "/adrive/v1.0/openFile/create", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *apiClient) completeUpload(ctx context.Context, driveID, fileID, uploadID string) error {
	return c.post(ctx, "/adrive/v1.0/openFile/complete", map[string]string{
		"drive_id":  driveID,
		"file_id":   fileID,
		"upload_id": uploadID,
	}, nil)
}

// uploadPart streams one part to its presigned URL. Part URLs are
// pre-authorized; no bearer token.
func (c *apiClient) uploadPart(ctx context.Context, url string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, r)
	if err != nil {
		return fmt.Errorf("create part request: %w", err)
	}
	req.ContentLength = size

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("upload part: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload part: http %d", resp.StatusCode)
	}
	return nil
}

type downloadURLInfo struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

func (c *apiClient) getDownloadURL(ctx context.Context, driveID, fileID string, expireSec int) (*downloadURLInfo, error) {
	info := &downloadURLInfo{}
	err := c.post(ctx, "/adrive/v1.0/openFile/getDownloadUrl", map[string]any{
		"drive_id":   driveID,
		"file_id":    fileID,
		"expire_sec": expireSec,
	}, info)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (c *apiClient) moveFile(ctx context.Context, driveID, fileID, toParentID, newName string) error {
	return c.post(ctx, "/adrive/v1.0/openFile/move", map[string]any{
		"drive_id":          driveID,
		"file_id":           fileID,
		"to_parent_file_id": toParentID,
		"new_name":          newName,
		"check_name_mode":   "refuse",
	}, nil)
}

// trashFile moves a file to the recycle bin; this is the delete primitive.
func (c *apiClient) trashFile(ctx context.Context, driveID, fileID string) error {
	err := c.post(ctx, "/adrive/v1.0/openFile/recyclebin/trash", map[string]string{
		"drive_id": driveID,
		"file_id":  fileID,
	}, nil)
	if err != nil && isVendorNotFound(err) {
		return nil
	}
	return err
}
