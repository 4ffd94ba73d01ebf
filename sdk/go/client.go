// Package jiasdk is a small client for the jia board API.
package jiasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal jia HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no other credential is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

// BoardSummary is an entry of the board listing.
type BoardSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updated_at"`
}

// SaveResult is the stored board document returned by create and save.
type SaveResult struct {
	Board json.RawMessage
	// UnknownPanels is set when a partial save was persisted.
	UnknownPanels []string
}

// PlanAction is one precompute call a save would make.
type PlanAction struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
	Step    int    `json:"step"`
	PanelID string `json:"panel_id"`
	TaskID  string `json:"task_id,omitempty"`
}

type Plan struct {
	Actions []PlanAction `json:"actions"`
	Panels  int          `json:"panels"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	BoardID    string         `json:"board_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type OrphanedTask struct {
	TaskID     string `json:"task_id"`
	BoardID    string `json:"board_id"`
	PanelID    string `json:"panel_id"`
	RecordedAt string `json:"recorded_at"`
}

// APIError wraps non-2xx responses. Code, Message and Details are filled
// from the error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Body       string
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// UnknownPanels returns the panels reported by a precompute_failed error.
func (e *APIError) UnknownPanels() []string {
	raw, _ := e.Details["unknown_panels"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IsPrecomputeFailure reports whether err is a rejected save caused by the
// compute service.
func IsPrecomputeFailure(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "precompute_failed"
}

func (c *Client) ListBoards(ctx context.Context) ([]BoardSummary, error) {
	var resp struct {
		Boards []BoardSummary `json:"boards"`
	}
	_, err := c.do(ctx, http.MethodGet, "boards", nil, &resp)
	return resp.Boards, err
}

// GetBoard returns the stored board document.
func (c *Client) GetBoard(ctx context.Context, id string) (json.RawMessage, error) {
	var doc json.RawMessage
	_, err := c.do(ctx, http.MethodGet, "boards/"+url.PathEscape(id), nil, &doc)
	return doc, err
}

// CreateBoard stores a new board document. The server assigns its id.
func (c *Client) CreateBoard(ctx context.Context, doc []byte) (SaveResult, error) {
	return c.save(ctx, "boards", doc)
}

// SaveBoard replaces a board document.
func (c *Client) SaveBoard(ctx context.Context, id string, doc []byte) (SaveResult, error) {
	return c.save(ctx, "boards/"+url.PathEscape(id), doc)
}

func (c *Client) save(ctx context.Context, endpoint string, doc []byte) (SaveResult, error) {
	var res SaveResult
	header, err := c.do(ctx, http.MethodPost, endpoint, json.RawMessage(doc), &res.Board)
	if err != nil {
		return SaveResult{}, err
	}
	if v := header.Get("X-Unknown-Panels"); v != "" {
		res.UnknownPanels = strings.Split(v, ",")
	}
	return res, nil
}

// PlanBoard previews a save. Use id "new" for a board that does not exist.
func (c *Client) PlanBoard(ctx context.Context, id string, doc []byte) (Plan, error) {
	var plan Plan
	_, err := c.do(ctx, http.MethodPost, "boards/"+url.PathEscape(id)+"/plan", json.RawMessage(doc), &plan)
	return plan, err
}

func (c *Client) DeleteBoard(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "boards/"+url.PathEscape(id), nil, nil)
	return err
}

// EventsPage returns a paginated event listing, optionally for one board.
func (c *Client) EventsPage(ctx context.Context, boardID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if boardID != "" {
		q.Set("board_id", boardID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) OrphanedTasks(ctx context.Context) ([]OrphanedTask, error) {
	var resp struct {
		Items []OrphanedTask `json:"items"`
	}
	_, err := c.do(ctx, http.MethodGet, "precompute/orphans", nil, &resp)
	return resp.Items, err
}

func (c *Client) StopOrphanedTask(ctx context.Context, taskID string) error {
	_, err := c.do(ctx, http.MethodDelete, "precompute/orphans/"+url.PathEscape(taskID), nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return resp.Header, decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return resp.Header, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.Header, nil
}

func decodeAPIError(status int, body []byte) *APIError {
	ae := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		ae.Details = env.Error.Details
	}
	return ae
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

// Status mirrors GET /status.
type Status struct {
	Status        string `json:"status"`
	Boards        int    `json:"boards"`
	SchemaVersion int    `json:"schema_version"`
	ComputeMode   string `json:"compute_mode"`
	OrphanedTasks int    `json:"orphaned_tasks"`
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	_, err := c.do(ctx, http.MethodGet, "status", nil, &s)
	return s, err
}

// Time is one instant in every representation the server knows.
type Time struct {
	Ticks        int64   `json:"ticks"`
	Instant      string  `json:"instant"`
	EpochSeconds float64 `json:"epoch_seconds"`
}

// ConvertTime converts one of ticks, instant or epoch_seconds, given as
// query values. An empty query returns the server's current time.
func (c *Client) ConvertTime(ctx context.Context, q url.Values) (Time, error) {
	endpoint := "time"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var t Time
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &t)
	return t, err
}
