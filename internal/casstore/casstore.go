// Package casstore is an HTTP/JSON client for the content-addressed entity
// store consumed by the chunk worker: blob upload, manifest/tip resolution,
// download, and compare-and-swap version append. The phase engine reads
// manifests and ref documents during FETCH, uploads each updated ref
// document during PROCESS, and resolves tips and appends versions during
// PUBLISH.
package casstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrConflict is returned by AppendVersion when the current tip does not
// match expectTip; callers re-resolve the tip and retry.
var ErrConflict = errors.New("cas conflict: tip mismatch")

// testNetworkPrefix marks PIs that should carry the test-network header
// (spec §6).
const testNetworkPrefix = "II"

// Client is a CAS store HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a CAS store client.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// UploadResult is the response of Upload.
type UploadResult struct {
	CID  string `json:"cid"`
	Size int64  `json:"size"`
}

// Upload stores blob under filename, scoped to pi, and returns its content
// ID.
func (c *Client) Upload(ctx context.Context, pi, filename string, blob []byte) (*UploadResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/upload", bytes.NewReader(blob), pi)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filename)

	var out UploadResult
	if err := c.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("upload %s failed: %w", filename, err)
	}
	return &out, nil
}

// Entity mirrors the store's get_entity response.
type Entity struct {
	ID         string            `json:"id"`
	Version    int64             `json:"ver"`
	ManifestCID string           `json:"manifest_cid"`
	Tip        string            `json:"tip"`
	Components map[string]string `json:"components"`
}

// GetEntity fetches the full manifest for pi.
func (c *Client) GetEntity(ctx context.Context, pi string) (*Entity, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/entity/"+pi, nil, pi)
	if err != nil {
		return nil, err
	}
	var out Entity
	if err := c.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("get_entity(%s) failed: %w", pi, err)
	}
	return &out, nil
}

// TipResolution mirrors the store's resolve_tip response.
type TipResolution struct {
	ID  string `json:"id"`
	Tip string `json:"tip"`
}

// ResolveTip fetches the current tip for pi without the full manifest.
func (c *Client) ResolveTip(ctx context.Context, pi string) (*TipResolution, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/entity/"+pi+"/tip", nil, pi)
	if err != nil {
		return nil, err
	}
	var out TipResolution
	if err := c.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("resolve_tip(%s) failed: %w", pi, err)
	}
	return &out, nil
}

// Download fetches the bytes behind a content ID.
func (c *Client) Download(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/"+cid, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download(%s) failed: %w", cid, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download(%s) read failed: %w", cid, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download(%s) status %d: %s", cid, resp.StatusCode, string(body))
	}
	return body, nil
}

// AppendVersionResult is the response of a successful AppendVersion.
type AppendVersionResult struct {
	Version     int64  `json:"ver"`
	Tip         string `json:"tip"`
	ManifestCID string `json:"manifest_cid"`
}

type appendVersionRequest struct {
	ExpectTip  string            `json:"expect_tip"`
	Components map[string]string `json:"components"`
	Note       string            `json:"note"`
}

// AppendVersion performs the CAS append. It returns ErrConflict (wrapped)
// when the store reports that the current tip differs from expectTip; the
// caller is responsible for the fresh-tip retry loop (spec §4.5 step 4).
func (c *Client) AppendVersion(ctx context.Context, pi, expectTip string, components map[string]string, note string) (*AppendVersionResult, error) {
	body, err := json.Marshal(appendVersionRequest{ExpectTip: expectTip, Components: components, Note: note})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal append_version request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/entity/"+pi+"/versions", bytes.NewReader(body), pi)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("append_version(%s) failed: %w", pi, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("append_version(%s) read failed: %w", pi, err)
	}

	if resp.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("%w: pi=%s expect_tip=%s", ErrConflict, pi, expectTip)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("append_version(%s) status %d: %s", pi, resp.StatusCode, string(respBody))
	}

	var out AppendVersionResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("append_version(%s) unmarshal failed: %w", pi, err)
	}
	return &out, nil
}

// IsConflict reports whether err (or a wrapped cause) is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, pi string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	if strings.HasPrefix(pi, testNetworkPrefix) {
		req.Header.Set("X-Test-Network", "true")
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
