package engine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"jia/internal/config"
	"jia/internal/domain"
	"jia/internal/events"
	"jia/internal/precompute"
	"jia/internal/reconcile"
	"jia/internal/repo"
)

// ErrBoardIDMismatch is returned when a saved document names another board.
var ErrBoardIDMismatch = errors.New("board id in document does not match url")

// Engine is the board service. Saves of one board run one at a time; saves
// of different boards run concurrently.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Reconciler reconcile.Reconciler
	Config     *config.Config
	Now        func() time.Time
	Logger     *log.Logger

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config, client precompute.Client, logger *log.Logger, metrics *reconcile.Metrics) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Reconciler: reconcile.Reconciler{
			Client:          client,
			Logger:          logger.WithPrefix("reconcile"),
			Metrics:         metrics,
			ContinueOnError: cfg.Precompute.ContinueOnError,
			Parallelism:     cfg.Precompute.Parallelism,
		},
		Config: cfg,
		Now:    time.Now,
		Logger: logger,
		locks:  newKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) lock(boardID string) func() {
	if e.locks == nil {
		// Zero-value engines built by hand get no cross-call serialization.
		return func() {}
	}
	return e.locks.Lock(boardID)
}

func (e Engine) partialSave() bool {
	return e.Config != nil && e.Config.Precompute.PartialSave
}

// SaveResult is the outcome of a create or save.
type SaveResult struct {
	Board domain.Board
	// Actions lists the precompute calls that succeeded.
	Actions []reconcile.Action
	// Unknown lists panels whose precompute state may not match Board.
	// Non-empty only when a partial save was persisted.
	Unknown []string
}

// NewBoardID returns a 10 hex character board id.
func NewBoardID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:5])
}

// CreateBoard stores a new board. The submitted document's id is ignored.
func (e Engine) CreateBoard(ctx context.Context, doc []byte, actorID string) (SaveResult, error) {
	board, err := domain.DecodeBoard(doc, domain.Strict)
	if err != nil {
		return SaveResult{}, err
	}
	id, err := e.freeBoardID(ctx)
	if err != nil {
		return SaveResult{}, err
	}
	board.ID = id
	unlock := e.lock(id)
	defer unlock()
	return e.apply(ctx, board, nil, false, actorID)
}

func (e Engine) freeBoardID(ctx context.Context) (string, error) {
	for i := 0; i < 5; i++ {
		id := NewBoardID()
		_, err := e.Repo.GetBoard(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("could not allocate a free board id")
}

// SaveBoard replaces an existing board's document and reconciles its
// precompute tasks against the stored panels.
func (e Engine) SaveBoard(ctx context.Context, id string, doc []byte, actorID string) (SaveResult, error) {
	board, err := domain.DecodeBoard(doc, domain.Strict)
	if err != nil {
		return SaveResult{}, err
	}
	if board.ID != "" && board.ID != id {
		return SaveResult{}, fmt.Errorf("%w: %s != %s", ErrBoardIDMismatch, board.ID, id)
	}
	board.ID = id

	unlock := e.lock(id)
	defer unlock()
	old, err := e.storedPanels(ctx, id)
	if err != nil {
		return SaveResult{}, err
	}
	return e.apply(ctx, board, old, true, actorID)
}

// PlanSave reports the precompute actions a save would make without
// calling the compute service.
func (e Engine) PlanSave(ctx context.Context, id string, doc []byte) (reconcile.Plan, error) {
	board, err := domain.DecodeBoard(doc, domain.Strict)
	if err != nil {
		return reconcile.Plan{}, err
	}
	var old domain.PanelSet
	if id != "" {
		if old, err = e.storedPanels(ctx, id); err != nil {
			return reconcile.Plan{}, err
		}
	}
	return reconcile.Diff(old, board.Panels), nil
}

func (e Engine) storedPanels(ctx context.Context, id string) (domain.PanelSet, error) {
	rec, err := e.Repo.GetBoard(ctx, id)
	if err != nil {
		return nil, err
	}
	stored, err := domain.DecodeBoard([]byte(rec.Document), domain.Lenient)
	if err != nil {
		return nil, fmt.Errorf("board %s: %w", id, err)
	}
	return stored.Panels, nil
}

func (e Engine) apply(ctx context.Context, board domain.Board, old domain.PanelSet, exists bool, actorID string) (SaveResult, error) {
	logger := e.logger().With("board_id", board.ID)
	res, recErr := e.Reconciler.Reconcile(ctx, old, board.Panels)
	ie, incomplete := reconcile.IsIncomplete(recErr)
	if recErr != nil && !incomplete {
		return SaveResult{}, recErr
	}
	if incomplete && !e.partialSave() {
		e.recordFailure(ctx, board.ID, actorID, ie)
		return SaveResult{}, recErr
	}
	board.Panels = res.Panels

	out := SaveResult{Board: board, Actions: res.Applied}
	if incomplete {
		out.Unknown = ie.Unknown
		logger.Warn("saving board with unknown precompute state", "unknown_panels", strings.Join(ie.Unknown, ","))
	}
	if err := e.persist(ctx, board, exists, actorID, res, ie); err != nil {
		if len(res.Started) > 0 {
			if oerr := e.Repo.RecordOrphanedTasks(ctx, board.ID, res.Started); oerr != nil {
				logger.Error("record orphaned tasks", "err", oerr)
			}
		}
		return SaveResult{}, err
	}
	logger.Info("board saved", "panels", len(board.Panels), "actions", len(res.Applied))
	return out, nil
}

func (e Engine) persist(ctx context.Context, board domain.Board, exists bool, actorID string, res reconcile.Result, ie *reconcile.IncompleteError) error {
	data, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("encode board: %w", err)
	}
	now := e.timestamp()
	rec := domain.BoardRecord{ID: board.ID, Title: board.Title, Document: string(data), CreatedAt: now, UpdatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	evtType := events.BoardCreated
	if exists {
		evtType = events.BoardSaved
		err = e.Repo.UpdateBoard(ctx, tx, rec)
	} else {
		err = e.Repo.InsertBoard(ctx, tx, rec)
	}
	if err != nil {
		return err
	}
	payload := events.Payload{"title": board.Title, "panels": len(board.Panels), "actions": len(res.Applied)}
	if ie != nil {
		payload["unknown_panels"] = ie.Unknown
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: evtType, BoardID: board.ID, EntityKind: "board", EntityID: board.ID, ActorID: actorID, Payload: payload,
	}); err != nil {
		return err
	}
	if err := e.appendActionEvents(ctx, tx, board.ID, actorID, res); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) appendActionEvents(ctx context.Context, tx *sql.Tx, boardID, actorID string, res reconcile.Result) error {
	for _, a := range res.Applied {
		evt := events.Entry{BoardID: boardID, EntityKind: "panel", EntityID: a.PanelID, ActorID: actorID}
		switch a.Kind {
		case reconcile.Enable:
			evt.Type = events.PrecomputeEnabled
			evt.Payload = events.Payload{"task_id": res.Started[a.PanelID], "reason": string(a.Reason)}
		default:
			evt.Type = events.PrecomputeDisabled
			evt.Payload = events.Payload{"task_id": a.Panel.TaskID(), "reason": string(a.Reason)}
		}
		if err := e.Events.Append(ctx, tx, evt); err != nil {
			return err
		}
	}
	return nil
}

// recordFailure keeps orphaned task ids and a failure event for a save that
// was not persisted. Errors here are logged, the reconcile error wins.
func (e Engine) recordFailure(ctx context.Context, boardID, actorID string, ie *reconcile.IncompleteError) {
	logger := e.logger().With("board_id", boardID)
	ctx = context.WithoutCancel(ctx)
	if err := e.Repo.RecordOrphanedTasks(ctx, boardID, ie.Started); err != nil {
		logger.Error("record orphaned tasks", "err", err)
	}
	failures := make([]string, 0, len(ie.Failures))
	for _, f := range ie.Failures {
		failures = append(failures, fmt.Sprintf("%s: %v", f.Action, f.Err))
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("record precompute failure", "err", err)
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: events.PrecomputeFailed, BoardID: boardID, EntityKind: "board", EntityID: boardID, ActorID: actorID,
		Payload: events.Payload{"unknown_panels": ie.Unknown, "orphaned_tasks": ie.Started, "failures": failures},
	}); err != nil {
		logger.Error("record precompute failure", "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		logger.Error("record precompute failure", "err", err)
	}
}

// GetBoard returns the stored board document.
func (e Engine) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	rec, err := e.Repo.GetBoard(ctx, id)
	if err != nil {
		return domain.Board{}, err
	}
	b, err := domain.DecodeBoard([]byte(rec.Document), domain.Lenient)
	if err != nil {
		return domain.Board{}, fmt.Errorf("board %s: %w", id, err)
	}
	b.ID = rec.ID
	return b, nil
}

func (e Engine) ListBoards(ctx context.Context) ([]domain.BoardSummary, error) {
	return e.Repo.ListBoards(ctx)
}

// DeleteBoard stops the board's precompute tasks, then removes it. If a
// task cannot be stopped the board is kept.
func (e Engine) DeleteBoard(ctx context.Context, id, actorID string) error {
	unlock := e.lock(id)
	defer unlock()
	old, err := e.storedPanels(ctx, id)
	if err != nil {
		return err
	}
	res, err := e.Reconciler.Reconcile(ctx, old, domain.PanelSet{})
	if err != nil {
		if ie, ok := reconcile.IsIncomplete(err); ok {
			e.recordFailure(ctx, id, actorID, ie)
		}
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteBoard(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: events.BoardDeleted, BoardID: id, EntityKind: "board", EntityID: id, ActorID: actorID,
		Payload: events.Payload{"stopped_tasks": len(res.Applied)},
	}); err != nil {
		return err
	}
	if err := e.appendActionEvents(ctx, tx, id, actorID, res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logger().Info("board deleted", "board_id", id, "stopped_tasks", len(res.Applied))
	return nil
}

func (e Engine) ListOrphanedTasks(ctx context.Context) ([]domain.OrphanedTask, error) {
	return e.Repo.ListOrphanedTasks(ctx)
}

// StopOrphanedTask disables a recorded orphan and forgets it. A task the
// compute service no longer knows counts as stopped.
func (e Engine) StopOrphanedTask(ctx context.Context, taskID, actorID string) error {
	o, err := e.Repo.GetOrphanedTask(ctx, taskID)
	if err != nil {
		return err
	}
	p := domain.Panel{ID: o.PanelID}
	p.DataSource.Precompute = domain.Precompute{Enabled: true, TaskID: o.TaskID}
	if err := e.Reconciler.Client.Disable(ctx, p); err != nil && !precompute.IsUnknownTask(err) {
		return err
	}
	if err := e.Repo.DeleteOrphanedTask(ctx, taskID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: events.PrecomputeDisabled, BoardID: o.BoardID, EntityKind: "panel", EntityID: o.PanelID, ActorID: actorID,
		Payload: events.Payload{"task_id": o.TaskID, "reason": "orphaned"},
	}); err != nil {
		return err
	}
	return tx.Commit()
}
