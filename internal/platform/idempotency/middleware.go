package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rrgs/catalog-api/internal/platform/auth"
	"github.com/rrgs/catalog-api/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
)

// guard carries the resolved middleware configuration for one route chain.
type guard struct {
	store   Store
	header  string
	ttl     time.Duration
	methods map[string]struct{}
	clock   func() time.Time
	logger  *zap.Logger
}

// MiddlewareOption customises the idempotency middleware.
type MiddlewareOption func(*guard)

// WithHeader overrides the request header carrying the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long stored replies remain replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods restricts which HTTP methods the guard applies to.
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		if len(methods) == 0 {
			return
		}
		g.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				g.methods[m] = struct{}{}
			}
		}
	}
}

// WithLogger sets the logger for store failures.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock overrides the time source in tests.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

func mutatingMethods() map[string]struct{} {
	return map[string]struct{}{
		http.MethodPost:   {},
		http.MethodPut:    {},
		http.MethodPatch:  {},
		http.MethodDelete: {},
	}
}

// Middleware enforces idempotency on mutating requests. A nil store disables
// the guard entirely.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	g := &guard{
		store:   store,
		header:  defaultHeaderName,
		ttl:     DefaultTTL,
		methods: mutatingMethods(),
		clock:   time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if len(g.methods) == 0 {
		g.methods = mutatingMethods()
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, guarded := g.methods[r.Method]; !guarded {
				next.ServeHTTP(w, r)
				return
			}
			g.handle(w, r, next)
		})
	}
}

func (g *guard) handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()

	key := strings.TrimSpace(r.Header.Get(g.header))
	if key == "" {
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required",
			"missing "+g.header+" header", http.StatusBadRequest))
		return
	}

	body, err := bufferRequestBody(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_read_body_failed",
			"unable to read request body", http.StatusInternalServerError))
		return
	}

	caller := callerUID(r)
	fingerprint := fingerprintRequest(r, body, caller)
	scoped := key + "|" + caller
	now := g.clock().UTC()

	claim, err := g.store.Claim(ctx, scoped, fingerprint, now, g.ttl)
	if err != nil {
		if errors.Is(err, ErrKeyReused) {
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict",
				"idempotency key already used for a different request", http.StatusConflict))
			return
		}
		g.logger.Error("idempotency claim failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error",
			"unable to process idempotency key", http.StatusInternalServerError))
		return
	}

	switch claim.Outcome {
	case OutcomeReplay:
		playBack(w, claim.Reply)
		return
	case OutcomeInFlight:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress",
			"another request is processing this idempotency key", http.StatusConflict))
		return
	}

	buf := &replyBuffer{header: make(http.Header)}
	next.ServeHTTP(buf, r)
	reply := buf.reply()

	if err := g.store.Complete(ctx, scoped, fingerprint, reply, g.clock().UTC(), g.ttl); err != nil {
		g.logger.Error("idempotency reply not persisted",
			zap.String("idempotency_key", key),
			zap.String("caller", caller),
			zap.Error(err))
		if abandonErr := g.store.Abandon(ctx, scoped); abandonErr != nil {
			g.logger.Error("idempotency claim stuck after persist failure",
				zap.String("idempotency_key", key),
				zap.Error(abandonErr))
		}
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error",
			"unable to persist idempotency state", http.StatusInternalServerError))
		return
	}

	playThrough(w, reply)
}

// bufferRequestBody drains the body for fingerprinting and restores it for
// the downstream handler.
func bufferRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// fingerprintRequest digests everything that makes two requests "the same":
// method, URL, host, content type, caller and body.
func fingerprintRequest(r *http.Request, body []byte, caller string) string {
	h := sha256.New()
	for _, part := range []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		caller,
	} {
		io.WriteString(h, part)
		io.WriteString(h, "|")
	}
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// callerUID scopes keys per authenticated caller so one client cannot replay
// or poison another client's key.
func callerUID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

// playBack writes a stored reply to the client, flagged as a replay.
func playBack(w http.ResponseWriter, reply Reply) {
	dst := w.Header()
	for name := range dst {
		dst.Del(name)
	}
	for name, values := range reply.Header {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	dst.Set(replayHeaderName, "true")

	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(reply.Body) > 0 {
		w.Write(reply.Body)
	}
}

// playThrough forwards a freshly buffered reply to the client.
func playThrough(w http.ResponseWriter, reply Reply) {
	dst := w.Header()
	for name := range dst {
		dst.Del(name)
	}
	for name, values := range reply.Header {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(reply.Body) > 0 {
		w.Write(reply.Body)
	}
}

// replyBuffer captures the handler's response so it can be persisted before
// anything reaches the client.
type replyBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *replyBuffer) Header() http.Header { return b.header }

func (b *replyBuffer) WriteHeader(status int) {
	if b.status == 0 && status > 0 {
		b.status = status
	}
}

func (b *replyBuffer) Write(data []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *replyBuffer) reply() Reply {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	header := make(http.Header, len(b.header))
	for name, values := range b.header {
		header[name] = append([]string(nil), values...)
	}
	var body []byte
	if b.body.Len() > 0 {
		body = b.body.Bytes()
	}
	return Reply{Status: status, Header: header, Body: body}
}
