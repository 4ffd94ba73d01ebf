package engine_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"jia/internal/config"
	"jia/internal/db"
	"jia/internal/domain"
	"jia/internal/engine"
	"jia/internal/events"
	"jia/internal/migrate"
	"jia/internal/precompute"
	"jia/internal/reconcile"
	"jia/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Compute *flakyCompute
	Ctx     context.Context
}

// flakyCompute wraps the in-memory compute service and fails enables for
// listed panel ids.
type flakyCompute struct {
	*precompute.Memory
	mu       sync.Mutex
	failFor  map[string]bool
	disabled []string
}

func (f *flakyCompute) Enable(ctx context.Context, p domain.Panel) (string, error) {
	f.mu.Lock()
	fail := f.failFor[p.ID]
	f.mu.Unlock()
	if fail {
		return "", &precompute.RemoteServiceError{Op: "enable", PanelID: p.ID, StatusCode: 503, Err: errors.New("compute unavailable")}
	}
	return f.Memory.Enable(ctx, p)
}

func (f *flakyCompute) Disable(ctx context.Context, p domain.Panel) error {
	f.mu.Lock()
	f.disabled = append(f.disabled, p.TaskID())
	f.mu.Unlock()
	return f.Memory.Disable(ctx, p)
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	compute := &flakyCompute{Memory: precompute.NewMemory(), failFor: map[string]bool{}}
	eng := engine.New(conn, cfg, compute, log.New(io.Discard), nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Compute: compute, Ctx: context.Background()}
}

const hourly = `{"enabled":true,"bucket_width":{"value":1,"scale":{"name":"hours"}}}`
const daily = `{"enabled":true,"bucket_width":{"value":1,"scale":{"name":"days"}}}`
const off = `{"enabled":false,"bucket_width":{"value":1,"scale":{"name":"hours"}}}`

func panelJSON(id, precompute string) string {
	return `{"id":"` + id + `","title":"` + id + `","data_source":{"code":"count()","timeframe":{"mode":"recent","value":1,"scale":{"name":"days"}},"precompute":` + precompute + `}}`
}

func boardJSON(title string, panels ...string) []byte {
	doc := `{"title":"` + title + `","panels":[`
	for i, p := range panels {
		if i > 0 {
			doc += ","
		}
		doc += p
	}
	return []byte(doc + `]}`)
}

func TestCreateSaveAndRestart(t *testing.T) {
	env := newTestEnv(t, nil)
	created, err := env.Engine.CreateBoard(env.Ctx, boardJSON("Ops", panelJSON("p1", hourly), panelJSON("p2", off)), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created.Board.ID
	if len(id) != 10 {
		t.Fatalf("expected 10 char board id, got %q", id)
	}
	first := created.Board.Panels[0].TaskID()
	if first == "" || created.Board.Panels[1].TaskID() != "" {
		t.Fatalf("unexpected task ids: %+v", created.Board.Panels)
	}

	stored, err := env.Engine.GetBoard(env.Ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Panels[0].TaskID() != first || stored.Title != "Ops" {
		t.Fatalf("stored board mismatch: %+v", stored)
	}

	// Resubmitting without task ids is a no-op for the compute service.
	saved, err := env.Engine.SaveBoard(env.Ctx, id, boardJSON("Ops", panelJSON("p1", hourly), panelJSON("p2", off)), "tester")
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	if len(saved.Actions) != 0 || saved.Board.Panels[0].TaskID() != first {
		t.Fatalf("resave should keep task: %+v", saved)
	}

	restarted, err := env.Engine.SaveBoard(env.Ctx, id, boardJSON("Ops", panelJSON("p1", daily), panelJSON("p2", off)), "tester")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	second := restarted.Board.Panels[0].TaskID()
	if second == "" || second == first {
		t.Fatalf("expected a new task, got %q", second)
	}
	if _, running := env.Compute.Task(first); running {
		t.Fatalf("old task %s still running", first)
	}
	if len(env.Compute.Running()) != 1 {
		t.Fatalf("expected one running task, got %v", env.Compute.Running())
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 20, 0, repo.EventFilter{BoardID: id})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for i := len(evts) - 1; i >= 0; i-- {
		types = append(types, evts[i].Type)
	}
	want := []string{events.BoardCreated, events.PrecomputeEnabled, events.BoardSaved, events.BoardSaved, events.PrecomputeDisabled, events.PrecomputeEnabled}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestSaveValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	created, err := env.Engine.CreateBoard(env.Ctx, boardJSON("b"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created.Board.ID

	_, err = env.Engine.SaveBoard(env.Ctx, id, []byte(`{"panels":[{"data_source":{"precompute":{"enabled":false}}}]}`), "tester")
	if !errors.Is(err, domain.ErrMalformedPanel) {
		t.Fatalf("expected malformed panel, got %v", err)
	}
	_, err = env.Engine.SaveBoard(env.Ctx, id, []byte(`{"id":"other","panels":[]}`), "tester")
	if !errors.Is(err, engine.ErrBoardIDMismatch) {
		t.Fatalf("expected id mismatch, got %v", err)
	}
	_, err = env.Engine.SaveBoard(env.Ctx, "missing", boardJSON("x"), "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLegacyStoredBoardStartsFresh(t *testing.T) {
	env := newTestEnv(t, nil)
	legacy := domain.BoardRecord{ID: "legacy0001", Title: "old", Document: `{"id":"legacy0001","title":"old","panels":[{"data_source":{"code":"x","precompute":{"enabled":true,"task_id":"ghost"}}}]}`}
	if err := env.Engine.Repo.InsertBoard(env.Ctx, nil, legacy); err != nil {
		t.Fatalf("insert: %v", err)
	}
	res, err := env.Engine.SaveBoard(env.Ctx, "legacy0001", boardJSON("old", panelJSON("p4", hourly)), "tester")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(res.Actions) != 1 || res.Actions[0].Kind != reconcile.Enable {
		t.Fatalf("expected a single enable, got %v", res.Actions)
	}
	if len(env.Compute.disabled) != 0 {
		t.Fatalf("legacy tasks must not be disabled: %v", env.Compute.disabled)
	}
}

func TestFailedSaveIsNotPersisted(t *testing.T) {
	env := newTestEnv(t, nil)
	created, err := env.Engine.CreateBoard(env.Ctx, boardJSON("b", panelJSON("keep", hourly)), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created.Board.ID
	env.Compute.failFor["bad"] = true

	_, err = env.Engine.SaveBoard(env.Ctx, id, boardJSON("b", panelJSON("keep", hourly), panelJSON("bad", hourly)), "tester")
	ie, ok := reconcile.IsIncomplete(err)
	if !ok {
		t.Fatalf("expected incomplete error, got %v", err)
	}
	var rse *precompute.RemoteServiceError
	if !errors.As(err, &rse) || rse.PanelID != "bad" {
		t.Fatalf("expected remote error for bad panel, got %v", err)
	}
	if len(ie.Unknown) != 1 || ie.Unknown[0] != "bad" {
		t.Fatalf("unknown panels = %v", ie.Unknown)
	}
	stored, err := env.Engine.GetBoard(env.Ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Panels) != 1 {
		t.Fatalf("failed save must keep the stored board, got %d panels", len(stored.Panels))
	}
	failed, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, 0, repo.EventFilter{BoardID: id, Type: events.PrecomputeFailed})
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected failure event: %v %v", failed, err)
	}
}

func TestFailedSaveRecordsOrphans(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Precompute.ContinueOnError = true })
	env.Compute.failFor["bad"] = true

	_, err := env.Engine.CreateBoard(env.Ctx, boardJSON("b", panelJSON("bad", hourly), panelJSON("good", hourly)), "tester")
	if _, ok := reconcile.IsIncomplete(err); !ok {
		t.Fatalf("expected incomplete error, got %v", err)
	}
	boards, _ := env.Engine.ListBoards(env.Ctx)
	if len(boards) != 0 {
		t.Fatalf("board must not be created: %+v", boards)
	}
	orphans, err := env.Engine.ListOrphanedTasks(env.Ctx)
	if err != nil || len(orphans) != 1 || orphans[0].PanelID != "good" {
		t.Fatalf("orphans: %+v %v", orphans, err)
	}
	if err := env.Engine.StopOrphanedTask(env.Ctx, orphans[0].TaskID, "tester"); err != nil {
		t.Fatalf("stop orphan: %v", err)
	}
	if len(env.Compute.Running()) != 0 {
		t.Fatalf("orphan still running")
	}
	if err := env.Engine.StopOrphanedTask(env.Ctx, orphans[0].TaskID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPartialSave(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Precompute.PartialSave = true
		c.Precompute.ContinueOnError = true
	})
	env.Compute.failFor["bad"] = true
	res, err := env.Engine.CreateBoard(env.Ctx, boardJSON("b", panelJSON("bad", hourly), panelJSON("good", hourly)), "tester")
	if err != nil {
		t.Fatalf("partial save: %v", err)
	}
	if len(res.Unknown) != 1 || res.Unknown[0] != "bad" {
		t.Fatalf("unknown = %v", res.Unknown)
	}
	stored, err := env.Engine.GetBoard(env.Ctx, res.Board.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Panels[0].TaskID() != "" || stored.Panels[1].TaskID() == "" {
		t.Fatalf("unexpected stored task ids: %+v", stored.Panels)
	}
}

func TestDeleteBoardStopsTasks(t *testing.T) {
	env := newTestEnv(t, nil)
	created, err := env.Engine.CreateBoard(env.Ctx, boardJSON("b", panelJSON("p1", hourly), panelJSON("p2", daily)), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.Engine.DeleteBoard(env.Ctx, created.Board.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(env.Compute.Running()) != 0 {
		t.Fatalf("tasks left running: %v", env.Compute.Running())
	}
	if _, err := env.Engine.GetBoard(env.Ctx, created.Board.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := env.Engine.DeleteBoard(env.Ctx, created.Board.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestPlanSave(t *testing.T) {
	env := newTestEnv(t, nil)
	created, err := env.Engine.CreateBoard(env.Ctx, boardJSON("b", panelJSON("p1", hourly), panelJSON("p2", hourly)), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	plan, err := env.Engine.PlanSave(env.Ctx, created.Board.ID, boardJSON("b", panelJSON("p1", daily), panelJSON("p3", hourly)))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var got []string
	for _, a := range plan.Actions {
		got = append(got, a.String())
	}
	want := []string{"disable(p2, deleted)", "disable(p1, changed)", "enable(p1, changed)", "enable(p3, created)"}
	if len(got) != len(want) {
		t.Fatalf("plan = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("plan = %v, want %v", got, want)
		}
	}
	if len(env.Compute.Running()) != 2 {
		t.Fatalf("plan must not call the compute service")
	}
}

func TestConcurrentSavesOfOneBoard(t *testing.T) {
	env := newTestEnv(t, nil)
	created, err := env.Engine.CreateBoard(env.Ctx, boardJSON("b", panelJSON("p1", hourly)), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created.Board.ID
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		widths := []string{hourly, daily}
		doc := boardJSON("b", panelJSON("p1", widths[i%2]))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.SaveBoard(env.Ctx, id, doc, "tester")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	// Serialized saves leave exactly the stored task running.
	stored, err := env.Engine.GetBoard(env.Ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	running := env.Compute.Running()
	if len(running) != 1 || running[0].ID != stored.Panels[0].TaskID() {
		t.Fatalf("running = %v, stored task = %s", running, stored.Panels[0].TaskID())
	}
}
