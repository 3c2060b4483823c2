package imagecheck

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rrgs/catalog-api/internal/platform/cache"
)

const defaultProbeTimeout = 3 * time.Second

// Validator probes image URLs with HEAD requests and caches the verdicts.
// Failures are cached too, so repeated reconciliation runs skip known-dead links.
type Validator struct {
	httpClient   *http.Client
	probeTimeout time.Duration
	cache        *cache.TTL[string, bool]
	logger       *zap.Logger
}

// Option customises Validator construction.
type Option func(*Validator)

// WithHTTPClient overrides the underlying HTTP client, primarily for tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(v *Validator) {
		if httpClient != nil {
			v.httpClient = httpClient
		}
	}
}

// WithProbeTimeout bounds each HEAD request.
func WithProbeTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.probeTimeout = d
		}
	}
}

// WithCache injects the verdict cache.
func WithCache(verdictCache *cache.TTL[string, bool]) Option {
	return func(v *Validator) {
		v.cache = verdictCache
	}
}

// WithLogger injects the validator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewValidator constructs an image validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		httpClient:   &http.Client{},
		probeTimeout: defaultProbeTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate reports whether the URL serves an image. A nil or blank URL is
// invalid without probing.
func (v *Validator) Validate(ctx context.Context, imageURL *string) bool {
	if imageURL == nil {
		return false
	}
	url := strings.TrimSpace(*imageURL)
	if url == "" {
		return false
	}

	if v.cache != nil {
		if valid, ok := v.cache.Get(url); ok {
			return valid
		}
	}

	valid := v.probe(ctx, url)
	if v.cache != nil {
		v.cache.Put(url, valid)
	}
	return valid
}

// ValidateBatch probes every URL concurrently and returns verdicts aligned
// with the input order. The caller bounds concurrency by slicing its input
// into batches.
func (v *Validator) ValidateBatch(ctx context.Context, urls []*string) []bool {
	results := make([]bool, len(urls))
	if ctx.Err() != nil {
		return results
	}

	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url *string) {
			defer wg.Done()
			results[i] = v.Validate(ctx, url)
		}(i, url)
	}
	wg.Wait()
	return results
}

func (v *Validator) probe(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, v.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, url, nil)
	if err != nil {
		v.logger.Debug("image probe rejected url", zap.String("url", url), zap.Error(err))
		return false
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// RemoveExpired evicts stale cache entries and reports how many were dropped.
func (v *Validator) RemoveExpired() int {
	if v == nil || v.cache == nil {
		return 0
	}
	return v.cache.RemoveExpired()
}

// FlushCache drops every cached verdict.
func (v *Validator) FlushCache() {
	if v != nil && v.cache != nil {
		v.cache.Clear()
	}
}
