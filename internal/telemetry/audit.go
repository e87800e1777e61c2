package telemetry

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

const sessionAuditType = "session_audit"

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Outcome of an audited session action.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// AuditRecord is one session action worth keeping a trail of.
type AuditRecord struct {
	Action    string
	Provider  string
	Outcome   string
	Detail    string
	RequestID string
	UserID    *string
}

// AuditEnvelope is the wire shape of an audit record on the broker.
type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Action   string `json:"action"`
	Provider string `json:"provider,omitempty"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
}

// AuditEmitter publishes session audit records. A nil emitter drops them.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	clock       clock.Clock
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		clock:       clock.New(),
	}
}

// WithClock swaps the timestamp source.
func (e *AuditEmitter) WithClock(c clock.Clock) *AuditEmitter {
	e.clock = c
	return e
}

// Emit publishes rec. Publish failures are logged, never returned.
func (e *AuditEmitter) Emit(ctx context.Context, rec AuditRecord) {
	if e == nil || e.publisher == nil {
		return
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeOK
	}

	envelope := AuditEnvelope{
		SchemaVersion: 2,
		EventType:     sessionAuditType,
		OccurredAt:    e.clock.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		UserID:        rec.UserID,
		Payload: AuditPayload{
			Action:   rec.Action,
			Provider: rec.Provider,
			Outcome:  rec.Outcome,
			Detail:   rec.Detail,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		log.Warn().Err(err).
			Str("action", rec.Action).
			Str("request_id", rec.RequestID).
			Msg("audit publish failed")
	}
}
