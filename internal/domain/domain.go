package domain

import "encoding/json"

// Board is a stored dashboard document. Fields other than id, title and
// panels are kept verbatim in Extra.
type Board struct {
	ID     string                     `json:"id"`
	Title  string                     `json:"title"`
	Panels PanelSet                   `json:"panels"`
	Extra  map[string]json.RawMessage `json:"-"`
}

type BoardSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updated_at,omitempty" format:"date-time"`
}

// BoardRecord is a board row as persisted by the repo.
type BoardRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Document  string `json:"document"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	BoardID    string `json:"board_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// OrphanedTask is a precompute task started by a save that was rolled back.
type OrphanedTask struct {
	TaskID     string `json:"task_id"`
	BoardID    string `json:"board_id"`
	PanelID    string `json:"panel_id"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}
