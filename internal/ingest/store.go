package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tzeusy/butlers/internal/corerr"
)

// Result is what Submit returns: the canonical request_id (existing or
// freshly minted) and whether this call hit an existing dedupe_key.
type Result struct {
	RequestID uuid.UUID
	Duplicate bool
}

// Store persists message_inbox rows in the shared schema. Single writer:
// the Switchboard butler.
type Store struct {
	db *sql.DB
}

// New wraps db, opened with search_path including the shared schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Submit validates raw as an ingest.v1 envelope, computes its dedupe_key,
// and upserts a message_inbox row. Two envelopes whose (endpoint_identity,
// sender_identity, idempotency_key) triple match yield the same
// request_id; the second call is a no-op write.
func (s *Store) Submit(ctx context.Context, raw []byte) (*Result, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	dedupeKey := env.DedupeKey()

	if existing, ok, err := s.lookupByDedupeKey(ctx, dedupeKey); err != nil {
		return nil, corerr.New(corerr.KindInternal, "ingest: dedupe lookup", err)
	} else if ok {
		return &Result{RequestID: existing, Duplicate: true}, nil
	}

	requestID := uuid.New()
	metadata, err := marshalNullable(env.Metadata)
	if err != nil {
		return nil, corerr.New(corerr.KindInternal, "ingest: marshal metadata", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_inbox (
			request_id, dedupe_key, channel, provider, endpoint_identity, sender_identity,
			content_type, body, sent_at, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, requestID, dedupeKey, env.Source.Channel, env.Source.Provider,
		env.Source.EndpointIdentity, env.Source.SenderIdentity,
		env.Payload.ContentType, []byte(env.Payload.Body), mustParseSentAt(env.Payload.SentAt), metadata)
	if err != nil {
		return nil, corerr.New(corerr.KindInternal, "ingest: insert message_inbox", err)
	}

	// A concurrent writer may have raced us between the lookup and the
	// insert; re-resolve by dedupe_key so both callers observe the same
	// canonical request_id.
	winner, ok, err := s.lookupByDedupeKey(ctx, dedupeKey)
	if err != nil {
		return nil, corerr.New(corerr.KindInternal, "ingest: post-insert lookup", err)
	}
	if !ok {
		return nil, corerr.New(corerr.KindInternal, "ingest: row vanished after insert", nil)
	}
	return &Result{RequestID: winner, Duplicate: winner != requestID}, nil
}

func (s *Store) lookupByDedupeKey(ctx context.Context, dedupeKey string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `SELECT request_id FROM message_inbox WHERE dedupe_key = $1`, dedupeKey).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		return uuid.UUID{}, false, nil
	case err != nil:
		return uuid.UUID{}, false, err
	default:
		return id, true, nil
	}
}

func marshalNullable(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func mustParseSentAt(v string) interface{} {
	t, err := parseSentAt(v)
	if err != nil {
		// ParseEnvelope already validated this; unreachable in practice.
		panic(fmt.Sprintf("ingest: sent_at reparse failed: %v", err))
	}
	return t
}
