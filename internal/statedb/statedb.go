// Package statedb persists per-node fingerprints across runs so the
// execution engine can decide, without re-running anything, whether a task's
// declared dependencies and products have changed since its last successful
// run. It is backed by bbolt, the same embedded pure-Go KV engine the
// reference orchestrator uses for its workflow store, chosen there (and
// here) over an engine requiring CGO for ease of deployment.
package statedb

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/augustebaum/pytask-go/internal/model"
)

var bucketFingerprints = []byte("fingerprints")

const keySep = "\x00"

// Role distinguishes a dependency record from a product record for the same
// (task, node) pair, since a node can be both a product of one task and a
// dependency of another.
type Role string

const (
	RoleDependency Role = "dep"
	RoleProduct    Role = "product"
)

// Record is what's stored for one (task, node, role) triple.
type Record struct {
	Fingerprint model.Fingerprint `json:"fingerprint"`
	TaskHash    string            `json:"task_hash"`
	RecordedAt  int64             `json:"recorded_at"`
}

// DB wraps a bbolt database holding the fingerprint table.
type DB struct {
	bolt *bbolt.DB
	log  *slog.Logger
}

// Open opens (creating if absent) the state database at dir/state.db.
func Open(dir string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	path := filepath.Join(dir, "state.db")
	bolt, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = bolt.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFingerprints)
		return err
	})
	if err != nil {
		bolt.Close()
		return nil, fmt.Errorf("create fingerprints bucket: %w", err)
	}
	return &DB{bolt: bolt, log: log}, nil
}

// Close releases the underlying file handle.
func (db *DB) Close() error { return db.bolt.Close() }

func recordKey(taskID, nodeID string, role Role) []byte {
	return []byte(taskID + keySep + string(role) + keySep + nodeID)
}

// Get returns the last recorded fingerprint and task hash for (taskID,
// nodeID, role). ok is false if nothing was ever recorded. A record that
// fails to unmarshal (schema drift, partial write, disk corruption) is
// treated as absent rather than returned as an error: the engine falls back
// to "unknown state", which means "run the task", the safe default.
func (db *DB) Get(taskID, nodeID string, role Role) (rec Record, ok bool, err error) {
	err = db.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFingerprints)
		raw := b.Get(recordKey(taskID, nodeID, role))
		if raw == nil {
			return nil
		}
		if unmarshalErr := json.Unmarshal(raw, &rec); unmarshalErr != nil {
			db.log.Warn("state db: discarding unreadable record", "task_id", taskID, "node_id", nodeID, "error", unmarshalErr)
			return nil
		}
		ok = true
		return nil
	})
	return rec, ok, err
}

// Put records the current fingerprint for (taskID, nodeID, role).
func (db *DB) Put(taskID, nodeID string, role Role, fp model.Fingerprint, taskHash string, recordedAt time.Time) error {
	rec := Record{Fingerprint: fp, TaskHash: taskHash, RecordedAt: recordedAt.UnixNano()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal state record: %w", err)
	}
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFingerprints).Put(recordKey(taskID, nodeID, role), raw)
	})
}

// DropTask removes every record associated with taskID, used when a task is
// no longer collected (renamed, removed, or parametrization changed) so
// stale records don't accumulate forever.
func (db *DB) DropTask(taskID string) error {
	prefix := []byte(taskID + keySep)
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFingerprints)
		c := b.Cursor()
		var stale [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Compact is a deliberate no-op: bbolt reclaims free pages within its own
// file automatically, it has no separate offline-compaction step to drive.
func (db *DB) Compact() error { return nil }
