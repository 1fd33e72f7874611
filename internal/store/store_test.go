package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Run migrations: %v", err)
	}
	return db
}

func TestInstanceIDStableAcrossReopens(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := NewMigrator(db).Run(ctx); err != nil {
		t.Fatalf("Run migrations: %v", err)
	}

	cfg := NewPluginConfigStore(db)
	first, err := cfg.InstanceID(ctx)
	if err != nil {
		t.Fatalf("InstanceID: %v", err)
	}
	if first == "" {
		t.Fatal("InstanceID returned empty string on first boot")
	}
	db.Close()

	// Boot 2: same store, same id (spec.md S6).
	db2, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	second, err := NewPluginConfigStore(db2).InstanceID(ctx)
	if err != nil {
		t.Fatalf("InstanceID on reboot: %v", err)
	}
	if second != first {
		t.Errorf("instance id changed across reboot: %q != %q", first, second)
	}
}

func TestPluginConfigEnableDisableRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	cfg := NewPluginConfigStore(db)

	// Newly discovered plugins default to disabled (spec.md §4.4 step 4).
	enabled, err := cfg.Enabled(ctx, "alpha")
	if err != nil {
		t.Fatalf("Enabled: %v", err)
	}
	if enabled {
		t.Fatal("new plugin should default to disabled")
	}

	if err := cfg.SetEnabled(ctx, "beta", true); err != nil {
		t.Fatalf("SetEnabled beta: %v", err)
	}
	before, err := cfg.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	if err := cfg.SetEnabled(ctx, "alpha", true); err != nil {
		t.Fatalf("SetEnabled alpha: %v", err)
	}
	if err := cfg.SetEnabled(ctx, "alpha", false); err != nil {
		t.Fatalf("SetEnabled alpha off: %v", err)
	}

	after, err := cfg.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	// A disable/enable cycle on one plugin must leave every other entry
	// unchanged (spec.md §8 round-trip law).
	if before["beta"] != after["beta"] {
		t.Errorf("unrelated entry changed: before=%+v after=%+v", before["beta"], after["beta"])
	}
	if after["alpha"].Enabled {
		t.Error("alpha should be disabled after the cycle")
	}
}

func TestTaskHistoryInterruptedRowTolerated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tasks := NewTaskHistoryStore(db)

	if err := tasks.Insert(ctx, "T1", "long.sh", time.Now()); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	row, err := tasks.Get(ctx, "T1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.FinishedAt != nil {
		t.Error("a dangling row must have nil FinishedAt")
	}
	if row.ExitCode != nil {
		t.Error("a dangling row must have nil ExitCode")
	}
}

func TestPluginEventOrdering(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	events := NewPluginEventStore(db)

	for _, et := range []PluginEventType{EventStarted, EventCrashed, EventAutoDisabled} {
		if err := events.Record(ctx, "alpha", et, ""); err != nil {
			t.Fatalf("Record %s: %v", et, err)
		}
	}

	got, err := events.ListForPlugin(ctx, "alpha")
	if err != nil {
		t.Fatalf("ListForPlugin: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	want := []PluginEventType{EventStarted, EventCrashed, EventAutoDisabled}
	for i, e := range got {
		if e.EventType != want[i] {
			t.Errorf("event[%d] = %s, want %s (insertion order)", i, e.EventType, want[i])
		}
	}
}
