package telemetry

import (
	"context"
	"log"
	"time"

	"rental-chat/internal/observability"
)

// Publisher delivers JSON payloads to the audit exchange.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
}

// AuditRecord is what a caller knows about an audited action.
type AuditRecord struct {
	Level     string
	Text      string
	RequestID string
	// UserID is the acting participant as "kind:id".
	UserID string
	ChatID int64
}

// AuditEmitter turns AuditRecords into audit_log envelopes on the event bus.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

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
	Level  string `json:"level"`
	Text   string `json:"text"`
	ChatID int64  `json:"chat_id,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Emit publishes rec. Failures are logged; auditing never fails the caller.
func (e *AuditEmitter) Emit(ctx context.Context, rec AuditRecord) {
	if e == nil || e.publisher == nil {
		return
	}

	env := e.envelope(rec)
	log.Printf("audit emit: level=%s request_id=%s user_id=%s chat_id=%d text=%q",
		rec.Level, rec.RequestID, rec.UserID, rec.ChatID, rec.Text)

	headers := observability.BuildHeaders(rec.RequestID, observability.TraceIDFromContext(ctx))
	if err := e.publisher.PublishJSON(ctx, e.routingKey, env, headers); err != nil {
		log.Printf("audit publish failed: %v", err)
	}
}

func (e *AuditEmitter) envelope(rec AuditRecord) AuditEnvelope {
	env := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		Payload:       AuditPayload{Level: rec.Level, Text: rec.Text, ChatID: rec.ChatID},
	}
	if rec.UserID != "" {
		user := rec.UserID
		env.UserID = &user
	}
	return env
}
