// Package supplier talks to the CJ Dropshipping product API: token
// management, product detail, variant and stock lookups, and record
// enrichment for the catalog build.
package supplier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/getpawsy/catalog/internal/feed"
)

var (
	// ErrUnauthorized is returned when the supplier rejects the credentials
	// or a freshly issued token.
	ErrUnauthorized = errors.New("supplier: unauthorized")
	// ErrNotFound is returned when the supplier has no data for an id.
	ErrNotFound = errors.New("supplier: not found")
)

const (
	maxBodyBytes     = 8 << 20
	defaultTokenLife = 24 * time.Hour
)

// CJ reports token failures inside a 200 envelope.
var tokenErrorCodes = map[int]bool{401: true, 1600001: true, 1600003: true}

// APIError is a non-auth failure reported by the supplier.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supplier: api status %d code %d: %s", e.Status, e.Code, e.Message)
}

// Config configures the API client.
type Config struct {
	BaseURL     string
	Email       string
	APIKey      string
	RatePerSec  float64
	Timeout     time.Duration
	RefreshSkew time.Duration
}

// Client is a rate-limited CJ API client. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	store   TokenStore
	group   singleflight.Group
	clock   func() time.Time
	logger  *slog.Logger
}

// NewClient builds a client. A nil store keeps the token in memory.
func NewClient(cfg Config, store TokenStore, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if store == nil {
		store = NewMemoryTokenStore()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		store:   store,
		clock:   time.Now,
		logger:  logger,
	}
}

// WithHTTPClient replaces the transport client.
func (c *Client) WithHTTPClient(client *http.Client) {
	if client != nil {
		c.http = client
	}
}

// WithClock overrides the time source used for token freshness.
func (c *Client) WithClock(clock func() time.Time) {
	if clock != nil {
		c.clock = clock
	}
}

func (c *Client) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default().With(slog.String("component", "supplier"))
}

type envelope struct {
	Code    int             `json:"code"`
	Result  bool            `json:"result"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Token returns a valid access token, authenticating when the cached one is
// missing or within the refresh skew of expiry. Concurrent refreshes share
// one request.
func (c *Client) Token(ctx context.Context) (string, error) {
	cached, ok, err := c.store.Get(ctx)
	if err != nil {
		c.log().Warn("token cache read", slog.Any("error", err))
	} else if ok && cached.Fresh(c.clock(), c.cfg.RefreshSkew) {
		return cached.AccessToken, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		token, err := c.authenticate(ctx)
		if err != nil {
			return "", err
		}
		if err := c.store.Set(ctx, token); err != nil {
			c.log().Warn("token cache write", slog.Any("error", err))
		}
		return token.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) authenticate(ctx context.Context) (Token, error) {
	if c.cfg.Email == "" || c.cfg.APIKey == "" {
		return Token{}, fmt.Errorf("%w: credentials not configured", ErrUnauthorized)
	}
	body, err := json.Marshal(map[string]string{"email": c.cfg.Email, "password": c.cfg.APIKey})
	if err != nil {
		return Token{}, fmt.Errorf("supplier: encode auth: %w", err)
	}
	var data struct {
		AccessToken           string `json:"accessToken"`
		AccessTokenExpiryDate string `json:"accessTokenExpiryDate"`
	}
	if err := c.call(ctx, http.MethodPost, "/authentication/getAccessToken", nil, "", body, &data); err != nil {
		return Token{}, fmt.Errorf("supplier: authenticate: %w", err)
	}
	if data.AccessToken == "" {
		return Token{}, fmt.Errorf("supplier: authenticate: %w: empty token", ErrUnauthorized)
	}
	expires, err := cast.ToTimeE(data.AccessTokenExpiryDate)
	if err != nil || expires.IsZero() {
		expires = c.clock().Add(defaultTokenLife)
	}
	c.log().Info("supplier token issued", slog.Time("expires_at", expires))
	return Token{AccessToken: data.AccessToken, ExpiresAt: expires}, nil
}

// get performs an authenticated GET. A rejected token is dropped from the
// store and the request retried once with a fresh one.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}
		err = c.call(ctx, http.MethodGet, path, query, token, nil, out)
		if !errors.Is(err, ErrUnauthorized) || attempt > 0 {
			return err
		}
		c.log().Info("supplier token rejected, refreshing", slog.String("path", path))
		if err := c.store.Delete(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, token string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("supplier: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("CJ-Access-Token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("supplier: %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("supplier: read %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("supplier: decode %s: %w", path, err)
	}
	if tokenErrorCodes[env.Code] {
		return ErrUnauthorized
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Result {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return ErrNotFound
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("supplier: decode %s data: %w", path, err)
	}
	return nil
}

// ProductDetail returns the raw product-detail object for pid.
func (c *Client) ProductDetail(ctx context.Context, pid string) (map[string]any, error) {
	var out map[string]any
	if err := c.get(ctx, "/product/query", url.Values{"pid": {pid}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Variants returns the raw variant objects for pid.
func (c *Client) Variants(ctx context.Context, pid string) ([]map[string]any, error) {
	var out []map[string]any
	err := c.get(ctx, "/product/variant/query", url.Values{"pid": {pid}}, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stock sums warehouse inventory for one variant.
func (c *Client) Stock(ctx context.Context, vid string) (int, error) {
	var rows []map[string]any
	if err := c.get(ctx, "/product/stock/queryByVid", url.Values{"vid": {vid}}, &rows); err != nil {
		return 0, err
	}
	total := 0
	for _, row := range rows {
		total += cast.ToInt(firstValue(row, "storageNum", "totalInventoryNum", "inventoryNum"))
	}
	return total, nil
}

// ListQuery selects a page of the supplier product list.
type ListQuery struct {
	Page     int
	PageSize int
	Keyword  string
	Category string
}

// ListPage is one page of raw product-list objects.
type ListPage struct {
	Items []map[string]any
	Total int
}

// ListProducts fetches one page of the product list.
func (c *Client) ListProducts(ctx context.Context, q ListQuery) (ListPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	query := url.Values{
		"pageNum":  {strconv.Itoa(q.Page)},
		"pageSize": {strconv.Itoa(q.PageSize)},
	}
	if q.Keyword != "" {
		query.Set("productNameEn", q.Keyword)
	}
	if q.Category != "" {
		query.Set("categoryId", q.Category)
	}
	var data struct {
		Total any              `json:"total"`
		List  []map[string]any `json:"list"`
	}
	err := c.get(ctx, "/product/list", query, &data)
	if errors.Is(err, ErrNotFound) {
		return ListPage{}, nil
	}
	if err != nil {
		return ListPage{}, err
	}
	return ListPage{Items: data.List, Total: cast.ToInt(data.Total)}, nil
}

// FetchRecord loads detail and variants for pid and maps them into a feed
// record.
func (c *Client) FetchRecord(ctx context.Context, pid string) (feed.Record, error) {
	detail, err := c.ProductDetail(ctx, pid)
	if err != nil {
		return feed.Record{}, err
	}
	if list, _ := detail["variants"].([]any); len(list) == 0 {
		variants, err := c.Variants(ctx, pid)
		if err != nil {
			return feed.Record{}, err
		}
		items := make([]any, len(variants))
		for i, v := range variants {
			items[i] = v
		}
		detail["variants"] = items
	}
	rec, ok := feed.MapAPI(detail)
	if !ok {
		return feed.Record{}, fmt.Errorf("%w: %s", ErrNotFound, pid)
	}
	return rec, nil
}

func firstValue(obj map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := obj[key]; ok && v != nil {
			return v
		}
	}
	return nil
}
