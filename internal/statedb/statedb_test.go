package statedb

import (
	"testing"
	"time"

	"github.com/augustebaum/pytask-go/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetOnUnrecordedKeyIsNotOK(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.Get("task_a", "out.txt", RoleProduct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for unrecorded key")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	fp := model.Fingerprint{Hash: "abc123", Size: 10, ModTime: 42}
	if err := db.Put("task_a", "out.txt", RoleProduct, fp, "hash-1", time.Unix(0, 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, ok, err := db.Get("task_a", "out.txt", RoleProduct)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if !rec.Fingerprint.Equal(fp) || rec.TaskHash != "hash-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDependencyAndProductRolesAreDistinct(t *testing.T) {
	db := openTestDB(t)
	depFp := model.Fingerprint{Hash: "dep"}
	prodFp := model.Fingerprint{Hash: "prod"}
	if err := db.Put("task_a", "shared.txt", RoleDependency, depFp, "h", time.Unix(0, 1)); err != nil {
		t.Fatalf("put dep: %v", err)
	}
	if err := db.Put("task_a", "shared.txt", RoleProduct, prodFp, "h", time.Unix(0, 1)); err != nil {
		t.Fatalf("put product: %v", err)
	}
	rec, _, _ := db.Get("task_a", "shared.txt", RoleDependency)
	if rec.Fingerprint.Hash != "dep" {
		t.Fatalf("expected dependency record, got %+v", rec)
	}
	rec, _, _ = db.Get("task_a", "shared.txt", RoleProduct)
	if rec.Fingerprint.Hash != "prod" {
		t.Fatalf("expected product record, got %+v", rec)
	}
}

func TestDropTaskRemovesOnlyThatTasksRecords(t *testing.T) {
	db := openTestDB(t)
	fp := model.Fingerprint{Hash: "x"}
	if err := db.Put("task_a", "out.txt", RoleProduct, fp, "h", time.Unix(0, 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put("task_b", "other.txt", RoleProduct, fp, "h", time.Unix(0, 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.DropTask("task_a"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok, _ := db.Get("task_a", "out.txt", RoleProduct); ok {
		t.Fatalf("expected task_a record to be gone")
	}
	if _, ok, _ := db.Get("task_b", "other.txt", RoleProduct); !ok {
		t.Fatalf("expected task_b record to survive")
	}
}
