package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fall-out-bug/sdp-sub003/pkg/engine"
	"github.com/fall-out-bug/sdp-sub003/pkg/telemetry"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path:         filepath.Join(t.TempDir(), SQLiteFileName),
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_Migrate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"checkpoints", "escalations", "events", "feature_locks"} {
		var name string
		err := store.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestSQLiteStore_Checkpoint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cp, err := store.Load(ctx, "F1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp != nil {
		t.Fatalf("Load() = %+v, want nil", cp)
	}

	if err := store.Save(ctx, runningCheckpoint()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	cp, err = store.Load(ctx, "F1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp == nil || cp.CurrentWS != "B" || cp.Attempts["B"] != 1 {
		t.Errorf("Load() = %+v", cp)
	}

	var status string
	if err := store.db.QueryRowContext(ctx,
		`SELECT status FROM checkpoints WHERE feature_id = ?`, "F1",
	).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != string(engine.CheckpointStatusRunning) {
		t.Errorf("status column = %q", status)
	}
}

func TestSQLiteStore_SaveIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	read := func() (string, string) {
		var data, updated string
		if err := store.db.QueryRowContext(ctx,
			`SELECT data, updated_at FROM checkpoints WHERE feature_id = ?`, "F1",
		).Scan(&data, &updated); err != nil {
			t.Fatalf("query checkpoint: %v", err)
		}
		return data, updated
	}

	if err := store.Save(ctx, runningCheckpoint()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data1, updated1 := read()

	time.Sleep(5 * time.Millisecond)
	if err := store.Save(ctx, runningCheckpoint()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data2, updated2 := read()

	if data1 != data2 {
		t.Errorf("stored data changed on identical save:\n%s\n%s", data1, data2)
	}
	if updated1 != updated2 {
		t.Errorf("identical save rewrote the row: %s -> %s", updated1, updated2)
	}
}

func TestSQLiteStore_TerminalCheckpoint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, completedCheckpoint()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, completedCheckpoint()); err != nil {
		t.Errorf("identical re-save error = %v", err)
	}

	err := store.Save(ctx, runningCheckpoint())
	if !errors.Is(err, engine.ErrCheckpointTerminal) {
		t.Errorf("Save() over completed = %v, want ErrCheckpointTerminal", err)
	}

	if err := store.Delete(ctx, "F1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Save(ctx, runningCheckpoint()); err != nil {
		t.Errorf("Save() after reset error = %v", err)
	}
}

func TestSQLiteStore_CorruptCheckpoint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, runningCheckpoint()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := store.db.ExecContext(ctx,
		`UPDATE checkpoints SET data = ? WHERE feature_id = ?`, "{not json", "F1",
	); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	_, err := store.Load(ctx, "F1")
	if !errors.Is(err, engine.ErrCheckpointCorrupt) {
		t.Errorf("Load() error = %v, want ErrCheckpointCorrupt", err)
	}

	progress, err := engine.NewMonitor(store).Progress(ctx, "F1")
	if err != nil || progress != nil {
		t.Errorf("Progress() = %+v, %v; want nil, nil", progress, err)
	}

	if err := store.Save(ctx, runningCheckpoint()); err != nil {
		t.Errorf("Save() over corrupt row error = %v", err)
	}
}

func TestSQLiteStore_ListFeatures(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"F2", "F1"} {
		cp := runningCheckpoint()
		cp.FeatureID = id
		if err := store.Save(ctx, cp); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}

	features, err := store.ListFeatures(ctx)
	if err != nil {
		t.Fatalf("ListFeatures() error = %v", err)
	}
	if len(features) != 2 || features[0] != "F1" || features[1] != "F2" {
		t.Errorf("ListFeatures() = %v", features)
	}
}

func TestSQLiteStore_Escalations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		feature := "F1"
		if id == "e2" {
			feature = "F2"
		}
		record := &engine.EscalationRecord{
			ID:           id,
			FeatureID:    feature,
			WorkstreamID: "X",
			Tier:         "T0",
			AttemptCount: 4,
			Category:     engine.EscalationCategoryBuild,
			Message:      "exhausted",
			Attempts:     []engine.BuildAttempt{{Number: 1, BackendID: "b0", Error: "boom"}},
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendEscalation(ctx, record); err != nil {
			t.Fatalf("AppendEscalation(%s) error = %v", id, err)
		}
	}

	records, err := store.ListEscalations(ctx, "F1")
	if err != nil {
		t.Fatalf("ListEscalations() error = %v", err)
	}
	if len(records) != 2 || records[0].ID != "e1" || records[1].ID != "e3" {
		t.Fatalf("ListEscalations() = %+v", records)
	}
	if len(records[0].Attempts) != 1 || records[0].Attempts[0].Error != "boom" {
		t.Errorf("attempts not preserved: %+v", records[0].Attempts)
	}

	all, err := store.ListEscalations(ctx, "")
	if err != nil {
		t.Fatalf("ListEscalations(all) error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListEscalations(all) returned %d records", len(all))
	}
}

func TestSQLiteStore_Events(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	publisher.Subscribe(store.EventSink(ctx), nil)

	if err := publisher.PublishFeatureStarted("F1", 2, false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := publisher.PublishFeatureStarted("F2", 1, false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := publisher.PublishWorkstreamCompleted("F1", "A", 1); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events, err := store.ListEvents(ctx, "F1", 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListEvents() returned %d events, want 2", len(events))
	}
	if events[0].Type != telemetry.EventTypeFeatureStarted || events[1].Type != telemetry.EventTypeWorkstreamCompleted {
		t.Errorf("event types = %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].WorkstreamID != "A" {
		t.Errorf("WorkstreamID = %q", events[1].WorkstreamID)
	}
	if events[0].Seq >= events[1].Seq {
		t.Errorf("events not in append order: %d, %d", events[0].Seq, events[1].Seq)
	}

	limited, err := store.ListEvents(ctx, "", 1)
	if err != nil {
		t.Fatalf("ListEvents(limit) error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("ListEvents(limit=1) returned %d events", len(limited))
	}
}

func TestSQLiteStore_Watch(t *testing.T) {
	store := setupTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates, err := store.Watch(ctx, "F1")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	select {
	case cp := <-updates:
		if cp != nil {
			t.Fatalf("initial value = %+v, want nil", cp)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the initial value")
	}

	if err := store.Save(ctx, runningCheckpoint()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	select {
	case cp := <-updates:
		if cp == nil || cp.CurrentWS != "B" {
			t.Errorf("update = %+v", cp)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the update")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	for _, driver := range []Driver{DriverFile, DriverSQLite} {
		t.Run(string(driver), func(t *testing.T) {
			store, err := Open(ctx, driver, t.TempDir())
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer store.Close()

			if err := store.Save(ctx, runningCheckpoint()); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			features, err := store.ListFeatures(ctx)
			if err != nil || len(features) != 1 {
				t.Errorf("ListFeatures() = %v, %v", features, err)
			}
		})
	}

	if _, err := Open(ctx, "redis", t.TempDir()); err == nil {
		t.Error("Open() with unknown driver should fail")
	}
}
