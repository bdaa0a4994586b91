// Package audit records every mutating action taken by any component.
package audit

import (
	"context"
	"log"

	"command-center/internal/models"
)

// Sink persists audit rows. *store.Store satisfies it.
type Sink interface {
	AppendAudit(ctx context.Context, entry models.AuditLog) error
}

// Logger is the shared audit writer. A failed audit write is logged and
// swallowed; auditing must never break the operation being audited.
type Logger struct {
	sink Sink
}

func New(sink Sink) *Logger {
	return &Logger{sink: sink}
}

// Success records a successful action.
func (l *Logger) Success(ctx context.Context, actor, action string, payload map[string]any) {
	l.write(ctx, models.AuditLog{Actor: actor, Action: action, Payload: payload, Status: "success"})
}

// Failure records a failed action with its error text.
func (l *Logger) Failure(ctx context.Context, actor, action string, payload map[string]any, err error) {
	entry := models.AuditLog{Actor: actor, Action: action, Payload: payload, Status: "failure"}
	if err != nil {
		msg := err.Error()
		entry.Error = &msg
	}
	l.write(ctx, entry)
}

func (l *Logger) write(ctx context.Context, entry models.AuditLog) {
	if l == nil || l.sink == nil {
		return
	}
	if entry.Payload == nil {
		entry.Payload = map[string]any{}
	}
	if err := l.sink.AppendAudit(ctx, entry); err != nil {
		log.Printf("audit write failed for %s: %v", entry.Action, err)
	}
}
