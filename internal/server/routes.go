package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"jia/internal/config"
	"jia/internal/engine"
	"jia/internal/migrate"
	"jia/internal/repo"
	"jia/internal/streamtime"
)

type boardPath struct {
	BoardID string `path:"board_id" doc:"Board id"`
}

type boardBody struct {
	Body          json.RawMessage
	UnknownPanels string `header:"X-Unknown-Panels" doc:"Panels whose precompute state is unknown after a partial save"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Service status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		boards, err := e.ListBoards(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		orphans, err := e.ListOrphanedTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		version, err := migrate.Version(ctx, e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		mode := config.ComputeModeMemory
		if e.Config != nil {
			mode = e.Config.Compute.Mode
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Status:        "ok",
			Boards:        len(boards),
			SchemaVersion: version,
			ComputeMode:   mode,
			OrphanedTasks: len(orphans),
		}}, nil
	})
}

func registerBoards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-boards",
		Method:      http.MethodGet,
		Path:        "/boards",
		Summary:     "List boards",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BoardListResponse `json:"body"`
	}, error) {
		boards, err := e.ListBoards(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardListResponse `json:"body"`
		}{Body: BoardListResponse{Boards: nonNilSlice(boards)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-board",
		Method:        http.MethodPost,
		Path:          "/boards",
		Summary:       "Create a board and start its precompute tasks",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*boardBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CreateBoard(ctx, input.RawBody, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return saveOutput(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/boards/{board_id}",
		Summary:     "Get a board document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *boardPath) (*boardBody, error) {
		b, err := e.GetBoard(ctx, input.BoardID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := json.Marshal(b)
		if err != nil {
			return nil, handleError(err)
		}
		return &boardBody{Body: data}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-board",
		Method:      http.MethodPost,
		Path:        "/boards/{board_id}",
		Summary:     "Save a board and reconcile its precompute tasks",
		Description: "Stops tasks for deleted or turned-off panels, then starts or restarts tasks for new, turned-on or changed panels. " +
			"If a compute call fails the board is not saved unless precompute.partial_save is set.",
		Errors: []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		BoardID string `path:"board_id"`
		RawBody []byte
	}) (*boardBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SaveBoard(ctx, input.BoardID, input.RawBody, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return saveOutput(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-board",
		Method:      http.MethodPost,
		Path:        "/boards/{board_id}/plan",
		Summary:     "Preview the precompute actions a save would make",
		Description: "Use board id 'new' to plan a board that does not exist yet.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoardID string `path:"board_id"`
		RawBody []byte
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		id := input.BoardID
		if id == "new" {
			id = ""
		}
		plan, err := e.PlanSave(ctx, id, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(plan)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-board",
		Method:        http.MethodDelete,
		Path:          "/boards/{board_id}",
		Summary:       "Stop a board's precompute tasks and delete it",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *boardPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteBoard(ctx, input.BoardID, actorID); err != nil {
			return nil, handleDeleteError(err)
		}
		return &struct{}{}, nil
	})
}

func saveOutput(res engine.SaveResult) (*boardBody, error) {
	data, err := json.Marshal(res.Board)
	if err != nil {
		return nil, handleError(err)
	}
	return &boardBody{Body: data, UnknownPanels: strings.Join(res.Unknown, ",")}, nil
}

func registerOrphans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-orphaned-tasks",
		Method:      http.MethodGet,
		Path:        "/precompute/orphans",
		Summary:     "List tasks started by saves that were not persisted",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OrphanListResponse `json:"body"`
	}, error) {
		items, err := e.ListOrphanedTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrphanListResponse `json:"body"`
		}{Body: OrphanListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "stop-orphaned-task",
		Method:        http.MethodDelete,
		Path:          "/precompute/orphans/{task_id}",
		Summary:       "Stop an orphaned task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.StopOrphanedTask(ctx, input.TaskID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTime(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "convert-time",
		Method:      http.MethodGet,
		Path:        "/time",
		Summary:     "Convert between instants, epoch seconds and stream ticks",
		Description: "Give at most one of ticks, instant or epoch_seconds. With none, the current time is returned.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Ticks        string `query:"ticks"`
		Instant      string `query:"instant" doc:"RFC 3339, or a naive local time interpreted as UTC"`
		EpochSeconds string `query:"epoch_seconds"`
	}) (*struct {
		Body TimeResponse `json:"body"`
	}, error) {
		ts, err := resolveTime(input.Ticks, input.Instant, input.EpochSeconds)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body TimeResponse `json:"body"`
		}{Body: TimeResponse{
			Ticks:        int64(ts),
			Instant:      ts.Time().Format(time.RFC3339Nano),
			EpochSeconds: streamtime.EpochSecondsFromTicks(ts),
		}}, nil
	})
}

func resolveTime(ticks, instant, epochSeconds string) (streamtime.Timestamp, error) {
	given := 0
	for _, v := range []string{ticks, instant, epochSeconds} {
		if v != "" {
			given++
		}
	}
	if given > 1 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "give only one of ticks, instant, epoch_seconds", nil)
	}
	switch {
	case ticks != "":
		n, err := strconv.ParseInt(ticks, 10, 64)
		if err != nil {
			return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid ticks", map[string]any{"ticks": ticks})
		}
		return streamtime.Timestamp(n), nil
	case instant != "":
		t, err := streamtime.ParseInstant(instant, time.UTC)
		if err != nil {
			return 0, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"instant": instant})
		}
		return streamtime.ToTicks(t), nil
	case epochSeconds != "":
		f, err := strconv.ParseFloat(epochSeconds, 64)
		if err != nil {
			return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid epoch_seconds", map[string]any{"epoch_seconds": epochSeconds})
		}
		ts, err := streamtime.TicksFromEpochSeconds(f)
		if err != nil {
			return 0, handleError(err)
		}
		return ts, nil
	default:
		return streamtime.Now(), nil
	}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		BoardID    string `query:"board_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"board,panel"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			BoardID: input.BoardID, Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		ttl := 24 * time.Hour
		if input.Body.TTLMins > 0 {
			ttl = time.Duration(input.Body.TTLMins) * time.Minute
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, ttl, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
