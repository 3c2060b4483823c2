package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/rrgs/catalog-api/internal/platform/firestore"
)

const (
	defaultCollection  = "idempotency_keys"
	defaultTxAttempts  = 5
	defaultCleanupSize = 100

	docStateInFlight = "in_flight"
	docStateDone     = "done"
)

// FirestoreStore keeps idempotency claims in a Firestore collection so every
// API instance sees the same claim state.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	attempts   int
}

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding idempotency documents.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts sets the transaction retry budget.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// NewFirestoreStore builds a Store over the given Firestore client.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{
		client:     client,
		collection: defaultCollection,
		attempts:   defaultTxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var _ Store = (*FirestoreStore)(nil)

// Claim transactionally takes ownership of a key. Expired documents are
// treated as if the key had never been seen.
func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.doc(key)

	var claim Claim
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, exists, err := readDocument(tx, ref)
		if err != nil {
			return err
		}
		if !exists || doc.expired(now) {
			fresh := newDocument(key, fingerprint, now, ttl)
			if err := tx.Set(ref, fresh); err != nil {
				return err
			}
			claim = Claim{Outcome: OutcomeProceed}
			return nil
		}
		if doc.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		if doc.State == docStateDone {
			claim = Claim{Outcome: OutcomeReplay, Reply: doc.reply()}
			return nil
		}
		claim = Claim{Outcome: OutcomeInFlight}
		return nil
	}, firestore.MaxAttempts(s.txAttempts()))
	if err != nil {
		return Claim{}, wrapStoreErr("idempotency.claim", err)
	}
	return claim, nil
}

// Complete stores the reply for a claimed key and extends its TTL.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, reply Reply, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.doc(key)

	header := storableHeader(reply.Header)
	var body []byte
	if len(reply.Body) > 0 {
		body = append([]byte(nil), reply.Body...)
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, exists, err := readDocument(tx, ref)
		if err != nil {
			return err
		}
		if !exists {
			doc = newDocument(key, fingerprint, now, ttl)
		} else if doc.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		doc.State = docStateDone
		doc.ReplyStatus = reply.Status
		doc.ReplyHeader = header
		doc.ReplyBody = body
		doc.UpdatedAt = now
		doc.ExpiresAt = now.Add(ttl)
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}
		return tx.Set(ref, doc)
	}, firestore.MaxAttempts(s.txAttempts()))
	return wrapStoreErr("idempotency.complete", err)
}

// Abandon deletes the claim document. A missing document is not an error.
func (s *FirestoreStore) Abandon(ctx context.Context, key string) error {
	_, err := s.doc(key).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return wrapStoreErr("idempotency.abandon", err)
}

// CleanupExpired deletes documents whose TTL has passed, at most limit per
// call. Run it periodically; Firestore has no native document expiry here.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupSize
	}
	query := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit)
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return 0, wrapStoreErr("idempotency.cleanup", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, wrapStoreErr("idempotency.cleanup", err)
	}
	return len(docs), nil
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(docID(key))
}

func (s *FirestoreStore) txAttempts() int {
	if s.attempts > 0 {
		return s.attempts
	}
	return 1
}

// wrapStoreErr classifies Firestore failures, but passes the package's own
// sentinel through untouched so the middleware can match it.
func wrapStoreErr(op string, err error) error {
	if err == nil || err == ErrKeyReused {
		return err
	}
	return pfirestore.WrapError(op, err)
}

type document struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	State       string              `firestore:"state"`
	ReplyStatus int                 `firestore:"reply_status"`
	ReplyHeader map[string][]string `firestore:"reply_header"`
	ReplyBody   []byte              `firestore:"reply_body"`
	CreatedAt   time.Time           `firestore:"created_at"`
	UpdatedAt   time.Time           `firestore:"updated_at"`
	ExpiresAt   time.Time           `firestore:"expires_at"`
}

func newDocument(key, fingerprint string, now time.Time, ttl time.Duration) document {
	return document{
		Key:         key,
		Fingerprint: fingerprint,
		State:       docStateInFlight,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func readDocument(tx *firestore.Transaction, ref *firestore.DocumentRef) (document, bool, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return document{}, false, nil
		}
		return document{}, false, err
	}
	var doc document
	if err := snap.DataTo(&doc); err != nil {
		return document{}, false, err
	}
	return doc, true, nil
}

func (d document) expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

func (d document) reply() Reply {
	header := make(map[string][]string, len(d.ReplyHeader))
	for name, values := range d.ReplyHeader {
		header[name] = append([]string(nil), values...)
	}
	return Reply{Status: d.ReplyStatus, Header: header, Body: d.ReplyBody}
}
