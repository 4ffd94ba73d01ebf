package repo_test

import (
	"context"
	"errors"
	"testing"

	"jia/internal/db"
	"jia/internal/domain"
	"jia/internal/events"
	"jia/internal/migrate"
	"jia/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestBoardCRUD(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	if err := r.InsertBoard(ctx, nil, domain.BoardRecord{ID: "b1", Title: "Ops", Document: `{"id":"b1"}`, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertBoard(ctx, nil, domain.BoardRecord{ID: "b2", Document: `{}`, CreatedAt: "2024-01-02T00:00:00Z"}); err != nil {
		t.Fatalf("insert untitled: %v", err)
	}
	got, err := r.GetBoard(ctx, "b1")
	if err != nil || got.Title != "Ops" || got.UpdatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("get: %+v %v", got, err)
	}

	list, err := r.ListBoards(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b2" || list[0].Title != "Untitled Board" {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := r.UpdateBoard(ctx, nil, domain.BoardRecord{ID: "b1", Title: "Ops 2", Document: `{"id":"b1","title":"Ops 2"}`, UpdatedAt: "2024-02-01T00:00:00Z"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := r.UpdateBoard(ctx, nil, domain.BoardRecord{ID: "missing"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	list, _ = r.ListBoards(ctx)
	if list[0].ID != "b1" {
		t.Fatalf("expected updated board first: %+v", list)
	}

	if err := r.DeleteBoard(ctx, nil, "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetBoard(ctx, "b1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := r.DeleteBoard(ctx, nil, "b1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestEventsCursor(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range []events.Entry{
		{Type: events.BoardCreated, BoardID: "b1", EntityKind: "board", EntityID: "b1", ActorID: "a"},
		{Type: events.PrecomputeEnabled, BoardID: "b1", EntityKind: "panel", EntityID: "p1", ActorID: "a", Payload: events.Payload{"task_id": "t1"}},
		{Type: events.BoardCreated, BoardID: "b2", EntityKind: "board", EntityID: "b2", ActorID: "a"},
	} {
		if err := w.Append(ctx, tx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	latest, err := r.LatestEvents(ctx, 10, 0, repo.EventFilter{BoardID: "b1"})
	if err != nil || len(latest) != 2 || latest[0].Type != events.PrecomputeEnabled {
		t.Fatalf("latest: %+v %v", latest, err)
	}
	if latest[0].Payload != `{"task_id":"t1"}` {
		t.Fatalf("payload: %s", latest[0].Payload)
	}
	maxID, err := r.LatestEventID(ctx)
	if err != nil || maxID != 3 {
		t.Fatalf("latest id: %d %v", maxID, err)
	}
	after, err := r.EventsAfter(ctx, 10, 1, repo.EventFilter{})
	if err != nil || len(after) != 2 || after[0].ID != 2 {
		t.Fatalf("after: %+v %v", after, err)
	}
	older, err := r.LatestEvents(ctx, 10, 3, repo.EventFilter{Type: events.BoardCreated})
	if err != nil || len(older) != 1 || older[0].BoardID != "b1" {
		t.Fatalf("cursor: %+v %v", older, err)
	}
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	hash := repo.HashAPIKey(" secret ")
	if hash != repo.HashAPIKey("secret") {
		t.Fatalf("hash should ignore surrounding whitespace")
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "alice", Name: "ci", KeyHash: hash}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil || key.ActorID != "alice" || key.Name != "ci" {
		t.Fatalf("get: %+v %v", key, err)
	}
	keys, err := r.ListAPIKeys(ctx, "alice")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %+v %v", keys, err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrphanedTasks(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.RecordOrphanedTasks(ctx, "b1", map[string]string{"p1": "t1", "p2": "t2"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.RecordOrphanedTasks(ctx, "b1", map[string]string{"p1": "t1"}); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	list, err := r.ListOrphanedTasks(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %+v %v", list, err)
	}
	o, err := r.GetOrphanedTask(ctx, "t2")
	if err != nil || o.PanelID != "p2" {
		t.Fatalf("get: %+v %v", o, err)
	}
	if err := r.DeleteOrphanedTask(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteOrphanedTask(ctx, "t1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
