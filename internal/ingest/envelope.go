// Package ingest implements the Ingest API: validation, dedupe, and
// request-id minting for inbound ingest.v1 envelopes.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tzeusy/butlers/internal/corerr"
)

const schemaVersion = "ingest.v1"

// envelopeSchemaJSON enforces field shape and rejects unknown top-level
// keys; semantic checks (channel/provider pairing, explicit UTC offset on
// sent_at) are not expressible in JSON Schema alone and are done in Go.
const envelopeSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["schema_version", "source", "payload"],
	"additionalProperties": false,
	"properties": {
		"schema_version": {"type": "string"},
		"idempotency_key": {"type": "string"},
		"thread_target": {"type": "string"},
		"routing_hints": {"type": "object"},
		"metadata": {"type": "object"},
		"source": {
			"type": "object",
			"required": ["channel", "provider", "endpoint_identity", "sender_identity"],
			"additionalProperties": false,
			"properties": {
				"channel": {"type": "string"},
				"provider": {"type": "string"},
				"endpoint_identity": {"type": "string"},
				"sender_identity": {"type": "string"}
			}
		},
		"payload": {
			"type": "object",
			"required": ["content_type", "body", "sent_at"],
			"additionalProperties": false,
			"properties": {
				"content_type": {"type": "string"},
				"body": {"type": "string"},
				"sent_at": {"type": "string"}
			}
		}
	}
}`

var envelopeSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ingest.v1.schema.json", bytes.NewReader([]byte(envelopeSchemaJSON))); err != nil {
		panic(fmt.Sprintf("ingest: compile schema resource: %v", err))
	}
	s, err := c.Compile("ingest.v1.schema.json")
	if err != nil {
		panic(fmt.Sprintf("ingest: compile schema: %v", err))
	}
	return s
}()

// allowedChannelProvider is the closed set of (channel, provider) pairings
// an envelope may declare.
var allowedChannelProvider = map[string]map[string]bool{
	"telegram": {"telegram": true},
	"email":    {"gmail": true, "imap": true},
	"slack":    {"slack": true},
	"api":      {"internal": true},
	"mcp":      {"internal": true},
}

// Source identifies the inbound channel and the parties on it.
type Source struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
	SenderIdentity   string `json:"sender_identity"`
}

// Payload carries the raw inbound content.
type Payload struct {
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
	SentAt      string `json:"sent_at"`
}

// Envelope is one ingest.v1 inbound event.
type Envelope struct {
	SchemaVersion  string                 `json:"schema_version"`
	Source         Source                 `json:"source"`
	Payload        Payload                `json:"payload"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	ThreadTarget   string                 `json:"thread_target,omitempty"`
	RoutingHints   map[string]interface{} `json:"routing_hints,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ParseEnvelope decodes and validates raw as an ingest.v1 envelope. It is
// the sole entry point for turning connector bytes into a trusted Envelope;
// every rejection maps to corerr.KindValidation so callers can translate it
// straight to a 4xx without inspecting the message.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, corerr.New(corerr.KindValidation, "ingest: malformed JSON", err)
	}
	if err := envelopeSchema.Validate(generic); err != nil {
		return nil, corerr.New(corerr.KindValidation, fmt.Sprintf("ingest: schema violation: %v", err), err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, corerr.New(corerr.KindValidation, "ingest: decode envelope", err)
	}

	if env.SchemaVersion != schemaVersion {
		return nil, corerr.New(corerr.KindValidation,
			fmt.Sprintf("ingest: unsupported_schema_version %q", env.SchemaVersion), nil)
	}

	providers, ok := allowedChannelProvider[env.Source.Channel]
	if !ok || !providers[env.Source.Provider] {
		return nil, corerr.New(corerr.KindValidation,
			fmt.Sprintf("ingest: unsupported channel/provider pairing %s/%s", env.Source.Channel, env.Source.Provider), nil)
	}

	if _, err := parseSentAt(env.Payload.SentAt); err != nil {
		return nil, corerr.New(corerr.KindValidation, "ingest: sent_at must be RFC3339 with an explicit UTC offset", err)
	}

	return &env, nil
}

// parseSentAt rejects naive timestamps: Go's RFC3339 layout requires an
// offset token, but it accepts "Z" too, which is what we want ("explicit
// UTC offset" includes the Z shorthand).
func parseSentAt(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

// DedupeKey computes the dedupe_key: SHA256 of endpoint identity,
// sender identity, and the best available de-duplication token — the
// idempotency key if present, else metadata.external_event_id if present,
// else a payload hash bucketed into 5-minute windows of sent_at, giving near-duplicate retries within the same burst
// the same key without an explicit client-supplied token.
func (e *Envelope) DedupeKey() string {
	token := e.IdempotencyKey
	if token == "" {
		if eid, ok := e.Metadata["external_event_id"].(string); ok && eid != "" {
			token = eid
		}
	}
	if token == "" {
		token = e.payloadHashBucket()
	}

	h := sha256.New()
	h.Write([]byte(e.Source.EndpointIdentity))
	h.Write([]byte{0})
	h.Write([]byte(e.Source.SenderIdentity))
	h.Write([]byte{0})
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Envelope) payloadHashBucket() string {
	sentAt, err := parseSentAt(e.Payload.SentAt)
	if err != nil {
		sentAt = time.Unix(0, 0).UTC()
	}
	bucket := sentAt.UTC().Truncate(5 * time.Minute)

	h := sha256.New()
	h.Write([]byte(e.Payload.Body))
	return fmt.Sprintf("%s:%s", bucket.Format(time.RFC3339), hex.EncodeToString(h.Sum(nil)))
}
