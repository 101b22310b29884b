// Package events appends audit records to the sqlite events table.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	LeaseGranted       = "lease.granted"
	LeaseReclaimed     = "lease.reclaimed"
	SubmissionAccepted = "submission.accepted"
	SubmissionRejected = "submission.rejected"
	APIKeyCreated      = "apikey.created"

	EntityLease      = "lease"
	EntitySubmission = "submission"
	EntityAPIKey     = "api_key"

	SystemActor = "system"
)

// Writer records events. A Writer without a DB discards everything.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (w Writer) Append(ctx context.Context, evtType, model, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	return w.AppendTx(ctx, w.DB, evtType, model, entityKind, entityID, actorID, payload)
}

// AppendTx writes through tx, which may be a *sql.Tx or the *sql.DB itself.
func (w Writer) AppendTx(ctx context.Context, tx execer, evtType, model, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,model,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(model), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
