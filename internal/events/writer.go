package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the board service.
const (
	BoardCreated       = "board.created"
	BoardSaved         = "board.saved"
	BoardDeleted       = "board.deleted"
	PrecomputeEnabled  = "precompute.enabled"
	PrecomputeDisabled = "precompute.disabled"
	PrecomputeFailed   = "precompute.failed"
)

// Types lists every event type, for webhook filters and CLI help.
var Types = []string{BoardCreated, BoardSaved, BoardDeleted, PrecomputeEnabled, PrecomputeDisabled, PrecomputeFailed}

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Entry is one event to append.
type Entry struct {
	Type       string
	BoardID    string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

// Append inserts the entry inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,board_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), e.Type, nullable(e.BoardID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
