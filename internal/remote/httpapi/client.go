package httpapi

import (
	"bytes"
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
	"time"

	"github.com/google/uuid"

	"github.com/umbrasys/umbra-sync/internal/backend"
	"github.com/umbrasys/umbra-sync/internal/bundle"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/identity"
	"github.com/umbrasys/umbra-sync/internal/transfer"
)

func init() {
	backend.MustRegister(backend.Metadata{
		Key:         "http",
		Kind:        backend.KindBlob,
		Description: "blob transport through the sync hub",
		NewBlob: func(_ context.Context, s backend.Settings) (transfer.Remote, error) {
			return New(s.Endpoint, s.Identity, NewHTTPClient(s.Timeout))
		},
	})
	backend.MustRegister(backend.Metadata{
		Key:         "http",
		Kind:        backend.KindMeta,
		Description: "bundle metadata and relationship graph on the sync hub",
		NewMeta: func(_ context.Context, s backend.Settings) (backend.Meta, error) {
			client, err := New(s.Endpoint, s.Identity, NewHTTPClient(s.Timeout))
			if err != nil {
				return backend.Meta{}, err
			}
			return backend.Meta{Store: client, Graph: client}, nil
		},
	})
}

// 复用长连接并集中配置超时。body 读取不设总超时，由调用方 ctx 与单次尝试超时约束。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewHTTPClient 返回共享 http.Client，timeout 约束等待响应头的时间。
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// Client 访问 sync hub，实现 transfer.Remote、registry.MetaStore 与 identity.Graph。
type Client struct {
	base     *url.URL
	http     *http.Client
	identity identity.CanonicalID
}

// New 创建客户端。endpoint 为 hub 根地址，self 随每个请求发送。
func New(endpoint string, self identity.CanonicalID, client *http.Client) (*Client, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("hub endpoint is required")
	}
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse hub endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("hub endpoint %s must be http or https", endpoint)
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &Client{base: base, http: client, identity: self}, nil
}

// Missing 实现 transfer.Remote。
func (c *Client) Missing(ctx context.Context, hashes []cache.Hash) ([]cache.Hash, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	var out MissingResponse
	if err := c.doJSON(ctx, http.MethodPost, "/blobs/missing", MissingRequest{Hashes: hashes}, &out); err != nil {
		return nil, err
	}
	return out.Missing, nil
}

// Upload 实现 transfer.Remote，body 为 zstd 流。
func (c *Client) Upload(ctx context.Context, hash cache.Hash, body io.Reader, size int64) error {
	req, err := c.newRequest(ctx, http.MethodPut, "/blobs/"+string(hash), nil, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentTypeZstd)
	req.Header.Set(SizeHeader, strconv.FormatInt(size, 10))
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	return c.check(resp, hash)
}

// Download 实现 transfer.Remote。
func (c *Client) Download(ctx context.Context, hash cache.Hash) (io.ReadCloser, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/blobs/"+string(hash), nil, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", ContentTypeZstd)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if err := c.check(resp, hash); err != nil {
		drain(resp)
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// Get 实现 registry.MetaStore，服务端以请求者身份授权。
func (c *Client) Get(ctx context.Context, code string) (bundle.Bundle, error) {
	var out bundle.Bundle
	err := c.doJSON(ctx, http.MethodGet, "/meta/code/"+url.PathEscape(code), nil, &out)
	return out, err
}

// GetByID 实现 registry.MetaStore。
func (c *Client) GetByID(ctx context.Context, id uuid.UUID) (bundle.Bundle, error) {
	var out bundle.Bundle
	err := c.doJSON(ctx, http.MethodGet, "/meta/id/"+id.String(), nil, &out)
	return out, err
}

// Put 实现 registry.MetaStore。
func (c *Client) Put(ctx context.Context, b bundle.Bundle) error {
	return c.doJSON(ctx, http.MethodPut, "/meta", b, nil)
}

// Delete 实现 registry.MetaStore。
func (c *Client) Delete(ctx context.Context, id uuid.UUID) error {
	return c.doJSON(ctx, http.MethodDelete, "/meta/"+id.String(), nil, nil)
}

// ListByOwner 实现 registry.MetaStore。
func (c *Client) ListByOwner(ctx context.Context, owner identity.CanonicalID) ([]bundle.Bundle, error) {
	var out []bundle.Bundle
	err := c.doJSON(ctx, http.MethodGet, "/meta/owner/"+url.PathEscape(string(owner)), nil, &out)
	return out, err
}

// ListShared 实现 registry.MetaStore。
func (c *Client) ListShared(ctx context.Context) ([]bundle.Bundle, error) {
	var out []bundle.Bundle
	err := c.doJSON(ctx, http.MethodGet, "/meta/shared", nil, &out)
	return out, err
}

// IncrementDownloads 实现 registry.MetaStore。
func (c *Client) IncrementDownloads(ctx context.Context, id uuid.UUID) (int64, error) {
	var out DownloadsResponse
	err := c.doJSON(ctx, http.MethodPost, "/meta/"+id.String()+"/downloads", nil, &out)
	return out.Downloads, err
}

// DirectlyPaired 实现 identity.Graph。
func (c *Client) DirectlyPaired(ctx context.Context, a, b identity.CanonicalID) (bool, error) {
	return c.relation(ctx, "/graph/direct", a, b)
}

// SharesGroup 实现 identity.Graph。
func (c *Client) SharesGroup(ctx context.Context, a, b identity.CanonicalID) (bool, error) {
	return c.relation(ctx, "/graph/shared-group", a, b)
}

// Groups 实现 identity.Graph。
func (c *Client) Groups(ctx context.Context, uid identity.CanonicalID) ([]string, error) {
	var out GroupsResponse
	err := c.doJSON(ctx, http.MethodGet, "/graph/groups/"+url.PathEscape(string(uid)), nil, &out)
	return out.Groups, err
}

// Pair 声明 a 与 b 直接配对。
func (c *Client) Pair(ctx context.Context, a, b identity.CanonicalID) error {
	return c.doJSON(ctx, http.MethodPost, "/graph/pairs", PairRequest{A: a, B: b}, nil)
}

// Join 把 uid 加入 group。
func (c *Client) Join(ctx context.Context, group string, uid identity.CanonicalID) error {
	return c.doJSON(ctx, http.MethodPost, "/graph/groups/"+url.PathEscape(group)+"/members", MemberRequest{UID: uid}, nil)
}

func (c *Client) relation(ctx context.Context, path string, a, b identity.CanonicalID) (bool, error) {
	query := url.Values{"a": {string(a)}, "b": {string(b)}}
	var out BoolResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out, query)
	return out.Result, err
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	// path 已按段转义
	target := c.base.JoinPath(path)
	if query != nil {
		target.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if c.identity != "" {
		req.Header.Set(IdentityHeader, string(c.identity))
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, query ...url.Values) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	var q url.Values
	if len(query) > 0 {
		q = query[0]
	}
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if err := c.check(resp, ""); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// check 把非 2xx 响应还原为 failure 中的哨兵错误；451 还原为 transfer.ForbiddenError。
func (c *Client) check(resp *http.Response, hash cache.Hash) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}
	if resp.StatusCode == http.StatusUnavailableForLegalReasons {
		return &transfer.ForbiddenError{Hash: hash, Reason: body.Reason, BlockedBy: body.BlockedBy}
	}
	kind := body.Error
	if kind == "" {
		kind = kindForStatus(resp.StatusCode)
	}
	message := body.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if sentinel := failure.Sentinel(kind); sentinel != nil {
		return &StatusError{Code: resp.StatusCode, Message: message, err: sentinel}
	}
	return &StatusError{Code: resp.StatusCode, Message: message}
}

func kindForStatus(code int) failure.Kind {
	switch code {
	case http.StatusNotFound:
		return failure.KindNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return failure.KindAccessDenied
	case http.StatusGone:
		return failure.KindExpired
	case http.StatusTooManyRequests:
		return failure.KindQuotaExceeded
	case http.StatusConflict:
		return failure.KindAlreadyInProgress
	case http.StatusUnprocessableEntity:
		return failure.KindHashMismatch
	}
	return failure.KindInternal
}

// StatusError 是 hub 返回的非 2xx 响应。
type StatusError struct {
	Code    int
	Message string
	err     error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub responded %d", e.Code)
	}
	return fmt.Sprintf("hub responded %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.err
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
