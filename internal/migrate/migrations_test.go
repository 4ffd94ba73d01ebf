package migrate

import (
	"context"
	"testing"

	"jia/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	if v, err := Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh db version = %d, %v", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	all, err := Migrations()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := all[len(all)-1].Version
	if v, err := Version(ctx, conn); err != nil || v != want {
		t.Fatalf("version = %d, %v; want %d", v, err, want)
	}
	for _, table := range []string{"boards", "events", "api_keys", "orphaned_tasks"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
