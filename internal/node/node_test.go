package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/augustebaum/pytask-go/internal/model"
)

func TestPathNodeFingerprintAbsentForMissingFile(t *testing.T) {
	n := NewPathNode(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	fp, err := n.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fp.Absent {
		t.Fatalf("expected Absent fingerprint, got %+v", fp)
	}
	if n.Exists(context.Background()) {
		t.Fatalf("expected Exists to report false")
	}
}

func TestPathNodeFingerprintChangesWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	n := NewPathNode(path)
	fp1, err := n.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.Exists(context.Background()) {
		t.Fatalf("expected Exists to report true")
	}

	if err := os.WriteFile(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	fp2, err := n.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp1.Equal(fp2) {
		t.Fatalf("expected fingerprints to differ after content change: %+v vs %+v", fp1, fp2)
	}
}

func TestPathNodeFingerprintStableWithoutChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("stable"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	n := NewPathNode(path)
	fp1, err := n.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fp2, err := n.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fp1.Equal(fp2) {
		t.Fatalf("expected identical fingerprints across two reads: %+v vs %+v", fp1, fp2)
	}
}

func TestPathNodeLargeFileFallsBackToSizeAndModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(path, make([]byte, hashSizeThreshold+1), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	n := NewPathNode(path)
	fp, err := n.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.Hash != "" {
		t.Fatalf("expected no content hash above the size threshold, got %q", fp.Hash)
	}
	if fp.Size != hashSizeThreshold+1 {
		t.Fatalf("expected size to be recorded, got %d", fp.Size)
	}
}

func TestValueNodeDelegatesToRegisteredFuncs(t *testing.T) {
	calls := 0
	n := NewValueNode("config:db", func(ctx context.Context) (model.Fingerprint, error) {
		calls++
		return model.Fingerprint{Hash: "abc"}, nil
	})
	fp, err := n.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.Hash != "abc" || calls != 1 {
		t.Fatalf("unexpected fingerprint or call count: %+v calls=%d", fp, calls)
	}
	if !n.Exists(context.Background()) {
		t.Fatalf("expected ValueNode to default to existing when ExistsFn is nil")
	}
	if n.ID() != "config:db" {
		t.Fatalf("unexpected ID: %s", n.ID())
	}
}

func TestValueNodeExistsFnOverridesDefault(t *testing.T) {
	n := &ValueNode{
		NodeID: "remote:thing",
		FingerprintFn: func(ctx context.Context) (model.Fingerprint, error) {
			return model.Fingerprint{Absent: true}, nil
		},
		ExistsFn: func(ctx context.Context) bool { return false },
	}
	if n.Exists(context.Background()) {
		t.Fatalf("expected ExistsFn override to report false")
	}
}
