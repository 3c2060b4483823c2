package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultSignedURLExpiry = 15 * time.Minute
	maxSignedURLExpiry     = 15 * time.Minute

	httpMethodGet  = "GET"
	httpMethodHead = "HEAD"
)

var (
	errNoSigner         = errors.New("storage: signer is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errMethodNotAllowed = errors.New("storage: HTTP method not allowed")
	errExpiryTooLong    = errors.New("storage: expiry exceeds permitted maximum")
)

// DocumentLinker generates short-lived signed download URLs for catalog document objects.
type DocumentLinker struct {
	signer Signer
	bucket string
	scheme storage.SigningScheme
	expiry time.Duration
	now    func() time.Time
}

// LinkerOption customises DocumentLinker behaviour.
type LinkerOption func(*DocumentLinker)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme storage.SigningScheme) LinkerOption {
	return func(l *DocumentLinker) {
		if scheme != 0 {
			l.scheme = scheme
		}
	}
}

// WithLinkExpiry sets the default lifetime for generated links.
func WithLinkExpiry(d time.Duration) LinkerOption {
	return func(l *DocumentLinker) {
		if d > 0 {
			l.expiry = d
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) LinkerOption {
	return func(l *DocumentLinker) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewDocumentLinker constructs a linker bound to a bucket.
func NewDocumentLinker(signer Signer, bucket string, opts ...LinkerOption) (*DocumentLinker, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}

	linker := &DocumentLinker{
		signer: signer,
		bucket: bucket,
		scheme: storage.SigningSchemeV4,
		expiry: defaultSignedURLExpiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(linker)
		}
	}
	return linker, nil
}

// SignedLinkOptions capture per-link overrides for download URLs.
type SignedLinkOptions struct {
	Method       string
	ExpiresIn    time.Duration
	Disposition  string
	CacheControl string
	ResponseType string
	Query        map[string]string
}

// SignedLink describes the generated signed URL details.
type SignedLink struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// SignedDocumentURL creates a signed download URL for the given object.
func (l *DocumentLinker) SignedDocumentURL(ctx context.Context, object string, opts SignedLinkOptions) (SignedLink, error) {
	if l == nil || l.signer == nil {
		return SignedLink{}, errNoSigner
	}
	if ctx == nil {
		return SignedLink{}, errors.New("storage: context is required")
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedLink{}, errInvalidObject
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = httpMethodGet
	}
	if method != httpMethodGet && method != httpMethodHead {
		return SignedLink{}, errMethodNotAllowed
	}

	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = l.expiry
	}
	if expiry > maxSignedURLExpiry {
		return SignedLink{}, errExpiryTooLong
	}

	urlOpts := storage.SignedURLOptions{
		GoogleAccessID: l.signer.Email(),
		Scheme:         l.scheme,
		Method:         method,
		SignBytes: func(payload []byte) ([]byte, error) {
			return l.signer.SignBytes(ctx, payload)
		},
	}

	queryValues := map[string]string{}
	if opts.Disposition != "" {
		queryValues["response-content-disposition"] = opts.Disposition
	}
	if opts.CacheControl != "" {
		queryValues["response-cache-control"] = opts.CacheControl
	}
	if opts.ResponseType != "" {
		queryValues["response-content-type"] = opts.ResponseType
	}
	for key, value := range opts.Query {
		if _, exists := queryValues[key]; exists {
			continue
		}
		queryValues[key] = value
	}
	if len(queryValues) > 0 {
		urlOpts.QueryParameters = mapToURLValues(queryValues)
	}

	expiryTime := l.now().Add(expiry)
	urlOpts.Expires = expiryTime

	signedURL, err := storage.SignedURL(l.bucket, object, &urlOpts)
	if err != nil {
		return SignedLink{}, fmt.Errorf("storage: sign download url: %w", err)
	}

	return SignedLink{URL: signedURL, Method: method, ExpiresAt: expiryTime}, nil
}

func mapToURLValues(values map[string]string) url.Values {
	out := make(url.Values, len(values))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out.Add(key, values[key])
	}
	return out
}
