// Package client provides an HTTP client for the file server API with retry,
// typed errors and auth.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markpippins/throttler/pkg/models"
	"github.com/markpippins/throttler/pkg/protocol"
	"github.com/markpippins/throttler/pkg/retry"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// APIError is returned when the server answers with a 4xx or 5xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool { return StatusCode(err) == http.StatusConflict }

// Client talks to one server.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	retryConfig  retry.Config
	log          *zap.Logger

	reconnectMin time.Duration
	reconnectMax time.Duration

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	Logger      *zap.Logger
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		// Content transfers and event streams run as long as they need.
		streamClient: &http.Client{Transport: transport},
		retryConfig:  cfg.RetryConfig,
		log:          cfg.Logger,
		reconnectMin: time.Second,
		reconnectMax: 30 * time.Second,
		authToken:    cfg.AuthToken,
	}
}

// SetAuthToken sets the JWT auth token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// ─── Transport ──────────────────────────────────────────────────────────────

// route joins an API prefix with a file path, escaping each segment.
func route(prefix, p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return prefix
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return prefix + strings.Join(segs, "/")
}

// retryableStatus reports whether a failed response may be retried. Only
// reads are retried on generic server errors since a write may have been
// applied before the failure.
func retryableStatus(method string, code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return code >= 500 && (method == http.MethodGet || method == http.MethodHead)
}

// roundTrip sends one request. Responses with status >= 400 are consumed and
// turned into an *APIError, wrapped as retryable where appropriate.
func (c *Client) roundTrip(ctx context.Context, hc *http.Client, method, rt string, query url.Values, body io.Reader, prepare func(*http.Request)) (*http.Response, error) {
	u := c.baseURL + rt
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if prepare != nil {
		prepare(req)
	}
	c.applyAuth(req)

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Debug("request failed",
			zap.String("method", method),
			zap.String("url", u),
			zap.Error(err))
		return nil, retry.Retryable(err)
	}
	c.log.Debug("request",
		zap.String("method", method),
		zap.String("url", u),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 400 {
		return resp, nil
	}

	defer resp.Body.Close()
	apiErr := readAPIError(resp)
	if retryableStatus(method, resp.StatusCode) {
		return nil, retry.RetryableAfter(apiErr, retryAfter(resp))
	}
	return nil, apiErr
}

func readAPIError(resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var errResp protocol.ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
	} else if msg := strings.TrimSpace(string(data)); msg != "" {
		apiErr.Message = msg
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// decodeBody decodes a JSON response, transparently handling gzip.
func decodeBody(resp *http.Response, out any) error {
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		defer gr.Close()
		reader = gr
	}
	if err := json.NewDecoder(reader).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doJSON sends in (when non-nil) as a JSON body and decodes the response
// into out (when non-nil), with retries.
func (c *Client) doJSON(ctx context.Context, method, rt string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		resp, err := c.roundTrip(ctx, c.httpClient, method, rt, query, body, func(req *http.Request) {
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if out != nil {
				req.Header.Set("Accept-Encoding", "gzip")
			}
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		return decodeBody(resp, out)
	})
}

// ─── Read operations ────────────────────────────────────────────────────────

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var resp protocol.HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListOptions control directory listings.
type ListOptions struct {
	Hidden bool
	Sort   string // name, size, mtime, type
	Desc   bool
}

// List returns the entries of the directory at p.
func (c *Client) List(ctx context.Context, p string, opts ListOptions) (*protocol.ListResponse, error) {
	q := url.Values{}
	if opts.Hidden {
		q.Set("hidden", "true")
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Desc {
		q.Set("order", "desc")
	}

	var resp protocol.ListResponse
	if err := c.doJSON(ctx, http.MethodGet, route("/api/v1/list/", p), q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stat returns the entry at p.
func (c *Client) Stat(ctx context.Context, p string) (*models.Entry, error) {
	var e models.Entry
	if err := c.doJSON(ctx, http.MethodGet, route("/api/v1/stat/", p), nil, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Tree fetches the subtree at p, depth levels deep.
func (c *Client) Tree(ctx context.Context, p string, depth int, hidden bool) (*models.FileNode, error) {
	q := url.Values{"depth": {strconv.Itoa(depth)}}
	if hidden {
		q.Set("hidden", "true")
	}

	var resp protocol.TreeResponse
	if err := c.doJSON(ctx, http.MethodGet, route("/api/v1/tree/", p), q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Root, nil
}

// DiskUsage reports the capacity of the volume holding the root.
func (c *Client) DiskUsage(ctx context.Context) (*protocol.DiskUsageResponse, error) {
	var resp protocol.DiskUsageResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/disk", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchOptions describe a name search.
type SearchOptions struct {
	Query  string
	Path   string
	Type   string // file, directory or empty for both
	Hidden bool
	Limit  int
	Depth  int
}

// Search finds entries whose names match opts.Query.
func (c *Client) Search(ctx context.Context, opts SearchOptions) (*protocol.SearchResponse, error) {
	q := url.Values{"q": {opts.Query}}
	if opts.Path != "" {
		q.Set("path", opts.Path)
	}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Hidden {
		q.Set("hidden", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Depth > 0 {
		q.Set("depth", strconv.Itoa(opts.Depth))
	}

	var resp protocol.SearchResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/search", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Thumbnail returns a JPEG preview of the image at p.
func (c *Client) Thumbnail(ctx context.Context, p string, size int) ([]byte, error) {
	var q url.Values
	if size > 0 {
		q = url.Values{"size": {strconv.Itoa(size)}}
	}
	return retry.DoWithResult(ctx, c.retryConfig, func() ([]byte, error) {
		resp, err := c.roundTrip(ctx, c.httpClient, http.MethodGet, route("/api/v1/thumb/", p), q, nil, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		return data, nil
	})
}

// ─── Content ────────────────────────────────────────────────────────────────

// Download opens the file at p. A positive length or offset requests a byte
// range; length <= 0 reads to the end. The returned size is the number of
// bytes in the response body.
func (c *Client) Download(ctx context.Context, p string, offset, length int64) (io.ReadCloser, int64, error) {
	type result struct {
		body io.ReadCloser
		size int64
	}
	r, err := retry.DoWithResult(ctx, c.retryConfig, func() (result, error) {
		resp, err := c.roundTrip(ctx, c.streamClient, http.MethodGet, route("/api/v1/content/", p), nil, nil, func(req *http.Request) {
			if offset > 0 || length > 0 {
				end := ""
				if length > 0 {
					end = strconv.FormatInt(offset+length-1, 10)
				}
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-%s", offset, end))
			}
		})
		if err != nil {
			return result{}, err
		}
		return result{body: resp.Body, size: resp.ContentLength}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return r.body, r.size, nil
}

// ─── Write operations ───────────────────────────────────────────────────────

// Upload writes r to the file at p. size may be -1 when unknown. The upload
// is retried only when r can be rewound.
func (c *Client) Upload(ctx context.Context, p string, r io.Reader, size int64, overwrite bool) (*models.Entry, error) {
	var q url.Values
	if overwrite {
		q = url.Values{"overwrite": {"true"}}
	}

	cfg := c.retryConfig
	seeker, canRewind := r.(io.Seeker)
	start := int64(0)
	if canRewind {
		var err error
		if start, err = seeker.Seek(0, io.SeekCurrent); err != nil {
			canRewind = false
		}
	}
	if !canRewind {
		cfg.MaxAttempts = 1
	}

	attempt := 0
	return retry.DoWithResult(ctx, cfg, func() (*models.Entry, error) {
		attempt++
		if attempt > 1 {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return nil, err
			}
		}
		resp, err := c.roundTrip(ctx, c.streamClient, http.MethodPost, route("/api/v1/content/", p), q, io.NopCloser(r), func(req *http.Request) {
			req.ContentLength = size
			req.Header.Set("Content-Type", "application/octet-stream")
		})
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var e models.Entry
		if err := decodeBody(resp, &e); err != nil {
			return nil, err
		}
		return &e, nil
	})
}

// Mkdir creates the directory p, with missing parents when parents is set.
func (c *Client) Mkdir(ctx context.Context, p string, parents bool) (*models.Entry, error) {
	q := url.Values{"type": {"dir"}}
	if parents {
		q.Set("parents", "true")
	}
	var e models.Entry
	if err := c.doJSON(ctx, http.MethodPut, route("/api/v1/tree/", p), q, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Touch creates an empty file at p.
func (c *Client) Touch(ctx context.Context, p string) (*models.Entry, error) {
	var e models.Entry
	q := url.Values{"type": {"file"}}
	if err := c.doJSON(ctx, http.MethodPut, route("/api/v1/tree/", p), q, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes p, to the trash unless permanent is set.
func (c *Client) Delete(ctx context.Context, p string, permanent bool) (*protocol.DeleteResponse, error) {
	var q url.Values
	if permanent {
		q = url.Values{"permanent": {"true"}}
	}
	var resp protocol.DeleteResponse
	if err := c.doJSON(ctx, http.MethodDelete, route("/api/v1/tree/", p), q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rename gives the item at p a new name in the same directory.
func (c *Client) Rename(ctx context.Context, p, name string) (*models.Entry, error) {
	var e models.Entry
	req := protocol.RenameRequest{Path: p, Name: name}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/rename", nil, req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Move moves from to to. onConflict is one of the protocol.OnConflict values
// or empty for "fail".
func (c *Client) Move(ctx context.Context, from, to, onConflict string) (*models.Entry, error) {
	return c.transfer(ctx, "/api/v1/move", from, to, onConflict)
}

// Copy copies from to to.
func (c *Client) Copy(ctx context.Context, from, to, onConflict string) (*models.Entry, error) {
	return c.transfer(ctx, "/api/v1/copy", from, to, onConflict)
}

func (c *Client) transfer(ctx context.Context, rt, from, to, onConflict string) (*models.Entry, error) {
	var e models.Entry
	req := protocol.TransferRequest{From: from, To: to, OnConflict: onConflict}
	if err := c.doJSON(ctx, http.MethodPost, rt, nil, req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// BulkMove moves every path into the directory dest.
func (c *Client) BulkMove(ctx context.Context, paths []string, dest, onConflict string) (*protocol.BulkResponse, error) {
	return c.bulk(ctx, "/api/v1/bulk/move", protocol.BulkTransferRequest{Paths: paths, Destination: dest, OnConflict: onConflict})
}

// BulkCopy copies every path into the directory dest.
func (c *Client) BulkCopy(ctx context.Context, paths []string, dest, onConflict string) (*protocol.BulkResponse, error) {
	return c.bulk(ctx, "/api/v1/bulk/copy", protocol.BulkTransferRequest{Paths: paths, Destination: dest, OnConflict: onConflict})
}

// BulkDelete deletes every path.
func (c *Client) BulkDelete(ctx context.Context, paths []string, permanent bool) (*protocol.BulkResponse, error) {
	return c.bulk(ctx, "/api/v1/bulk/delete", protocol.BulkDeleteRequest{Paths: paths, Permanent: permanent})
}

func (c *Client) bulk(ctx context.Context, rt string, req any) (*protocol.BulkResponse, error) {
	var resp protocol.BulkResponse
	if err := c.doJSON(ctx, http.MethodPost, rt, nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ─── Trash ──────────────────────────────────────────────────────────────────

// Trash lists trashed items, newest first.
func (c *Client) Trash(ctx context.Context) ([]*models.TrashItem, error) {
	var resp protocol.TrashListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/trash", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// TrashItem fetches one trashed item by ID.
func (c *Client) TrashItem(ctx context.Context, id string) (*models.TrashItem, error) {
	var item models.TrashItem
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/trash/"+url.PathEscape(id), nil, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Restore moves a trashed item back to its original path.
func (c *Client) Restore(ctx context.Context, id string, overwrite bool) (*models.TrashItem, error) {
	var item models.TrashItem
	req := protocol.TrashRestoreRequest{ID: id, Overwrite: overwrite}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/trash/restore", nil, req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Purge permanently deletes one trashed item.
func (c *Client) Purge(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/trash/"+url.PathEscape(id), nil, nil, nil)
}

// EmptyTrash purges every trashed item and returns how many were removed.
func (c *Client) EmptyTrash(ctx context.Context) (int, error) {
	var resp protocol.TrashEmptyResponse
	if err := c.doJSON(ctx, http.MethodDelete, "/api/v1/trash", nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}
