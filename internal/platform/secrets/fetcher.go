// Package secrets resolves secret:// references against Google Secret
// Manager, with an in-process cache and a local file fallback for machines
// without cloud credentials.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultVersion      = "latest"
	meterName           = "github.com/rrgs/catalog-api/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references. Resolved values are cached for the
// process lifetime; Invalidate drops a single reference.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	project      string
	fallbackPath string

	loadOnce    sync.Once
	fileValues  map[string]string
	fileLoadErr error

	mu    sync.RWMutex
	cache map[string]string

	fetchLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
}

// Option customises Fetcher construction.
type Option func(*Fetcher, *fetcherSetup)

type fetcherSetup struct {
	meter      metric.Meter
	clientOpts []option.ClientOption
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher, _ *fetcherSetup) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithProject sets the Secret Manager project consulted when a reference
// carries no ?project= override.
func WithProject(projectID string) Option {
	return func(f *Fetcher, _ *fetcherSetup) {
		f.project = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the path of the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher, _ *fetcherSetup) {
		f.fallbackPath = strings.TrimSpace(path)
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(_ *Fetcher, s *fetcherSetup) {
		s.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured client, primarily for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(f *Fetcher, _ *fetcherSetup) {
		f.client = client
	}
}

// WithClientOptions forwards Cloud client options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(_ *Fetcher, s *fetcherSetup) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher. When no Secret Manager client can be created
// the fetcher still works, serving values from the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		cache:        make(map[string]string),
	}
	setup := &fetcherSetup{}
	for _, opt := range opts {
		if opt != nil {
			opt(f, setup)
		}
	}

	meter := setup.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	var err error
	if f.fetchLatency, err = meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	); err != nil {
		f.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}
	if f.cacheHits, err = meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	); err != nil {
		f.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
	}

	if f.client == nil {
		client, err := secretManagerClientFactory(ctx, setup.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher owns it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the secret value for a secret://name[?version=N&project=P]
// reference. Authentication and availability failures fall back to the local
// file; a genuinely missing secret does not.
func (f *Fetcher) Resolve(ctx context.Context, rawRef string) (string, error) {
	start := time.Now()
	ref, err := parseSecretRef(rawRef)
	if err != nil {
		return "", err
	}

	key := ref.cacheKey()
	f.mu.RLock()
	cached, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		f.countCacheHit(ctx, ref)
		f.observeFetch(ctx, start, "cache")
		return cached, nil
	}

	project := ref.project
	if project == "" {
		project = f.project
	}

	if f.client != nil && project != "" {
		value, fetchErr := f.accessVersion(ctx, project, ref)
		switch {
		case fetchErr == nil:
			f.remember(key, value)
			f.observeFetch(ctx, start, "remote")
			return value, nil
		case !shouldFallBack(fetchErr):
			f.observeFetch(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.canonical, fetchErr)
		}
		f.logger.Debug("secrets: falling back to local secrets",
			zap.String("ref", ref.canonical))
	}

	value, ok := f.fromFallbackFile(ref)
	if !ok {
		f.observeFetch(ctx, start, "error")
		return "", fmt.Errorf("secrets: fallback value not found for %s", ref.canonical)
	}
	f.remember(key, value)
	f.observeFetch(ctx, start, "fallback")
	return value, nil
}

// Invalidate drops any cached value for the reference, forcing a refetch.
func (f *Fetcher) Invalidate(rawRef string) {
	ref, err := parseSecretRef(rawRef)
	if err != nil {
		return
	}
	prefix := ref.canonical + "#"
	f.mu.Lock()
	for key := range f.cache {
		if strings.HasPrefix(key, prefix) {
			delete(f.cache, key)
		}
	}
	f.mu.Unlock()
}

func (f *Fetcher) remember(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) accessVersion(ctx context.Context, project string, ref secretRef) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) fromFallbackFile(ref secretRef) (string, bool) {
	f.loadOnce.Do(f.loadFallbackFile)
	if f.fileLoadErr != nil {
		f.logger.Debug("secrets: fallback file unreadable", zap.Error(f.fileLoadErr))
		return "", false
	}
	if value, ok := f.fileValues[ref.cacheKey()]; ok {
		return value, true
	}
	value, ok := f.fileValues[ref.canonical]
	return value, ok
}

// loadFallbackFile reads "secret://name=value" lines. Blank lines and #
// comments are skipped; sm:// is accepted as an alias for secret://.
func (f *Fetcher) loadFallbackFile() {
	f.fileValues = map[string]string{}
	if f.fallbackPath == "" {
		return
	}

	file, err := os.Open(f.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fileLoadErr = fmt.Errorf("secrets: open fallback file %s: %w", f.fallbackPath, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		if alias, ok := strings.CutPrefix(key, "sm://"); ok {
			key = "secret://" + alias
		}
		value = strings.TrimSpace(value)
		if ref, err := parseSecretRef(key); err == nil {
			f.fileValues[ref.canonical] = value
			f.fileValues[ref.cacheKey()] = value
		} else {
			f.fileValues[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		f.fileLoadErr = fmt.Errorf("secrets: read fallback file %s: %w", f.fallbackPath, err)
	}
}

func (f *Fetcher) observeFetch(ctx context.Context, start time.Time, source string) {
	if f.fetchLatency == nil {
		return
	}
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	f.fetchLatency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("source", source)))
}

func (f *Fetcher) countCacheHit(ctx context.Context, ref secretRef) {
	if f.cacheHits == nil {
		return
	}
	digest := sha256.Sum256([]byte(ref.canonical))
	f.cacheHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("secret", hex.EncodeToString(digest[:8])),
	))
}

type secretRef struct {
	canonical string
	name      string
	version   string
	project   string
}

func (r secretRef) cacheKey() string {
	return r.canonical + "#" + r.version
}

func parseSecretRef(raw string) (secretRef, error) {
	if strings.TrimSpace(raw) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()
	version := strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = defaultVersion
	}

	return secretRef{
		canonical: canonical.String(),
		name:      name,
		version:   version,
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func shouldFallBack(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
