package server

import (
	"encoding/json"

	"jia/internal/domain"
	"jia/internal/reconcile"
)

type StatusResponse struct {
	Status        string `json:"status" example:"ok"`
	Boards        int    `json:"boards"`
	SchemaVersion int    `json:"schema_version"`
	ComputeMode   string `json:"compute_mode" example:"http"`
	OrphanedTasks int    `json:"orphaned_tasks"`
}

type BoardListResponse struct {
	Boards []domain.BoardSummary `json:"boards"`
}

type PlanAction struct {
	Kind    string `json:"kind" enum:"enable,disable"`
	Reason  string `json:"reason" enum:"deleted,turned_off,created,turned_on,changed"`
	Step    int    `json:"step" minimum:"1" maximum:"2"`
	PanelID string `json:"panel_id"`
	TaskID  string `json:"task_id,omitempty" doc:"Task stopped by a disable"`
}

type PlanResponse struct {
	Actions []PlanAction `json:"actions"`
	Panels  int          `json:"panels"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	BoardID    string         `json:"board_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type OrphanListResponse struct {
	Items []domain.OrphanedTask `json:"items"`
}

type TimeResponse struct {
	Ticks        int64   `json:"ticks" doc:"100ns units since 1970-01-01T00:00:00Z"`
	Instant      string  `json:"instant" format:"date-time"`
	EpochSeconds float64 `json:"epoch_seconds"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"jwt,api_key,actor_header"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	TTLMins int    `json:"ttl_minutes,omitempty" minimum:"0"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func planResponse(p reconcile.Plan) PlanResponse {
	out := PlanResponse{Actions: make([]PlanAction, 0, len(p.Actions)), Panels: len(p.Panels)}
	for _, a := range p.Actions {
		pa := PlanAction{Kind: a.Kind.String(), Reason: string(a.Reason), Step: a.Step, PanelID: a.PanelID}
		if a.Kind == reconcile.Disable {
			pa.TaskID = a.Panel.TaskID()
		}
		out.Actions = append(out.Actions, pa)
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		BoardID:    e.BoardID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}
