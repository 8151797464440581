package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/sbl8/dnc/runtime"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testState runs a small engine for a few steps and returns its state.
func testState(t *testing.T, seed int64, steps int) runtime.State {
	t.Helper()
	cfg := runtime.Config{Locations: 8, VectorSize: 4, ReadHeads: 2, ControllerOutputSize: 3}
	e, err := runtime.NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := e.Run(context.Background(), runtime.NewRandomController(cfg, seed, 0), steps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return e.Snapshot()
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)
	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestOpenCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "snapshots.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if db.Path != path {
		t.Errorf("Path = %q, want %q", db.Path, path)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)
	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}

	// Running migrations again is a no-op.
	if err := db.migrate(); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	v2, _ := db.SchemaVersion()
	if v2 != v {
		t.Errorf("SchemaVersion after re-migrate = %d, want %d", v2, v)
	}
}

func TestSaveLoad(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := testState(t, 1, 25)

	info, err := db.Save(ctx, "agent-0", "warm", s)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if info.ID == uuid.Nil {
		t.Fatal("Save returned nil id")
	}
	if info.Steps != 25 || info.Locations != 8 || info.VectorSize != 4 || info.ReadHeads != 2 {
		t.Errorf("info = %+v", info)
	}

	got, gotInfo, err := db.Load(ctx, info.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if gotInfo.ID != info.ID || gotInfo.Agent != "agent-0" || gotInfo.Label != "warm" {
		t.Errorf("loaded info = %+v", gotInfo)
	}
	if gotInfo.Bytes != info.Bytes {
		t.Errorf("Bytes = %d, want %d", gotInfo.Bytes, info.Bytes)
	}
	if !gotInfo.CreatedAt.Equal(info.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", gotInfo.CreatedAt, info.CreatedAt)
	}
	if got.Steps != s.Steps {
		t.Errorf("Steps = %d, want %d", got.Steps, s.Steps)
	}
	for i := range s.Memory {
		if got.Memory[i] != s.Memory[i] {
			t.Fatalf("Memory[%d] = %v, want %v", i, got.Memory[i], s.Memory[i])
		}
	}
	for i := range s.Link {
		if got.Link[i] != s.Link[i] {
			t.Fatalf("Link[%d] = %v, want %v", i, got.Link[i], s.Link[i])
		}
	}
	if len(got.WriteOrder) != len(s.WriteOrder) {
		t.Errorf("WriteOrder len = %d, want %d", len(got.WriteOrder), len(s.WriteOrder))
	}
}

func TestLoadedStateRestores(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := testState(t, 2, 10)

	info, err := db.Save(ctx, "agent-0", "", s)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _, err := db.Load(ctx, info.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := runtime.Config{Locations: 8, VectorSize: 4, ReadHeads: 2, ControllerOutputSize: 3}
	e, err := runtime.NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Restore(got); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if e.Snapshot().Steps != 10 {
		t.Errorf("restored Steps = %d, want 10", e.Snapshot().Steps)
	}
}

func TestSaveRequiresAgent(t *testing.T) {
	db := testDB(t)
	if _, err := db.Save(context.Background(), "", "", testState(t, 1, 1)); err == nil {
		t.Error("expected error for empty agent")
	}
}

func TestSaveRejectsInvalidState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testState(t, 2, 4)
	s.Link[1] = 2
	s.Precedence[0] = -1
	if _, err := db.Save(ctx, "a", "", s); !errors.Is(err, runtime.ErrInvalidState) {
		t.Fatalf("Save error = %v, want ErrInvalidState", err)
	}
	list, err := db.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("rejected state was stored: %d snapshots", len(list))
	}
}

func TestLatest(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Save(ctx, "a", "", testState(t, 1, 3)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second, err := db.Save(ctx, "a", "", testState(t, 1, 7))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := db.Save(ctx, "b", "", testState(t, 1, 9)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s, info, err := db.Latest(ctx, "a")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if info.ID != second.ID {
		t.Errorf("Latest id = %s, want %s", info.ID, second.ID)
	}
	if s.Steps != 7 {
		t.Errorf("Latest steps = %d, want 7", s.Steps)
	}

	if _, _, err := db.Latest(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest unknown agent error = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := testState(t, 3, 2)

	for _, agent := range []string{"a", "b", "a"} {
		if _, err := db.Save(ctx, agent, "", s); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	all, err := db.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List all = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Errorf("List not newest first at %d", i)
		}
	}

	onlyA, err := db.List(ctx, "a")
	if err != nil {
		t.Fatalf("List a: %v", err)
	}
	if len(onlyA) != 2 {
		t.Errorf("List a = %d, want 2", len(onlyA))
	}
	for _, info := range onlyA {
		if info.Agent != "a" {
			t.Errorf("List a returned agent %q", info.Agent)
		}
	}

	none, err := db.List(ctx, "nobody")
	if err != nil {
		t.Fatalf("List nobody: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("List nobody = %d, want 0", len(none))
	}
}

func TestDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	info, err := db.Save(ctx, "a", "", testState(t, 4, 1))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := db.Delete(ctx, info.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := db.Load(ctx, info.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete error = %v, want ErrNotFound", err)
	}
	if err := db.Delete(ctx, info.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestLoadCorruptState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	info, err := db.Save(ctx, "a", "", testState(t, 5, 1))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := db.Exec(`UPDATE snapshots SET state = ? WHERE id = ?`, []byte{1, 2, 3}, info.ID.String()); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, _, err := db.Load(ctx, info.ID); err == nil {
		t.Error("expected decode error for corrupt state")
	}
}
