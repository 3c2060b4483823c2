package counterpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/rrgs/catalog-api/internal/domain"
	"github.com/rrgs/catalog-api/internal/platform/cache"
	"github.com/rrgs/catalog-api/internal/platform/config"
)

const (
	defaultTimeout = 6 * time.Second

	headerAPIKey        = "APIKey"
	headerAuthorization = "Authorization"
	headerCookie        = "Cookie"
	headerAccept        = "Accept"
)

// itemEnvelope is the wire format returned by the Counterpoint item endpoint.
type itemEnvelope struct {
	ErrorCode string         `json:"ErrorCode"`
	IMItem    map[string]any `json:"IM_ITEM"`
}

const errorCodeSuccess = "SUCCESS"

// Client looks up point-of-sale item records over the Counterpoint HTTP API.
// Lookups are cached, including negative results, so a burst of reconciliation
// traffic does not hammer the upstream.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	basicAuth  string
	cookie     string
	cache      *cache.TTL[string, *domain.TruthItem]
	logger     *zap.Logger
}

// ClientOption customises Client construction.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client, primarily for tests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithCache injects the item cache used for positive and negative lookups.
func WithCache(itemCache *cache.TTL[string, *domain.TruthItem]) ClientOption {
	return func(c *Client) {
		c.cache = itemCache
	}
}

// WithLogger injects the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a Counterpoint client from configuration.
func NewClient(cfg config.CounterpointConfig, opts ...ClientOption) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("counterpoint: base url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		basicAuth:  strings.TrimSpace(cfg.BasicAuth),
		cookie:     strings.TrimSpace(cfg.Cookie),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// GetItemBySKU returns the item record for the SKU, or nil when Counterpoint
// does not know the item. Lookup failures of any kind (timeouts, non-2xx
// statuses, malformed bodies) collapse to nil and the nil verdict is cached
// for the TTL, so a down upstream is not re-hit on every lookup.
func (c *Client) GetItemBySKU(ctx context.Context, sku string) (*domain.TruthItem, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil, errors.New("counterpoint: sku is required")
	}

	if c.cache != nil {
		if item, ok := c.cache.Get(sku); ok {
			return item, nil
		}
	}

	item, err := c.fetchItem(ctx, sku)
	if err != nil {
		c.logger.Warn("counterpoint lookup failed, treating item as absent",
			zap.String("sku", sku),
			zap.Error(err))
		item = nil
	}

	if c.cache != nil {
		c.cache.Put(sku, item)
	}
	return item, nil
}

// Present reports whether Counterpoint knows the SKU.
func (c *Client) Present(ctx context.Context, sku string) (bool, error) {
	item, err := c.GetItemBySKU(ctx, sku)
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

func (c *Client) fetchItem(ctx context.Context, sku string) (*domain.TruthItem, error) {
	endpoint := c.baseURL + "/" + url.PathEscape(sku)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("counterpoint: build request for %s: %w", sku, err)
	}

	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}
	if c.basicAuth != "" {
		req.Header.Set(headerAuthorization, c.basicAuth)
	}
	if c.cookie != "" {
		req.Header.Set(headerCookie, c.cookie)
	}
	req.Header.Set(headerAccept, "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("counterpoint: request %s: %w", sku, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("counterpoint: unexpected status %d for %s", resp.StatusCode, sku)
	}

	var envelope itemEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("counterpoint: decode response for %s: %w", sku, err)
	}

	if envelope.ErrorCode != errorCodeSuccess || envelope.IMItem == nil {
		c.logger.Debug("counterpoint item not found",
			zap.String("sku", sku),
			zap.String("error_code", envelope.ErrorCode))
		return nil, nil
	}

	return &domain.TruthItem{Fields: envelope.IMItem}, nil
}

// RemoveExpired evicts stale cache entries and reports how many were dropped.
func (c *Client) RemoveExpired() int {
	if c == nil || c.cache == nil {
		return 0
	}
	return c.cache.RemoveExpired()
}
