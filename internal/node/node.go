// Package node implements the two built-in Node kinds: PathNode for
// filesystem artifacts and ValueNode for opaque, hook-fingerprinted values.
// Both satisfy model.Node, the closed capability interface the rest of the
// core depends on.
package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/augustebaum/pytask-go/internal/model"
)

// hashSizeThreshold bounds how large a file may be before fingerprinting
// falls back to (size, mtime) instead of streaming a content hash. Large
// build artifacts (object files, model weights) are fingerprinted cheaply;
// small source files get a real content hash so edits that don't change size
// or touch mtime (e.g. a checkout) are still detected correctly.
const hashSizeThreshold = 4 << 20 // 4 MiB

// PathNode is a filesystem artifact identified by its path.
type PathNode struct {
	Path string
}

// NewPathNode constructs a PathNode for path.
func NewPathNode(path string) *PathNode { return &PathNode{Path: path} }

// ID returns the node's path, its stable identity.
func (n *PathNode) ID() string { return n.Path }

// Exists reports whether the path currently resolves to a file or directory.
func (n *PathNode) Exists(ctx context.Context) bool {
	_, err := os.Stat(n.Path)
	return err == nil
}

// Fingerprint computes a content hash for small files, or a (size, mtime)
// pair for large ones. A missing path is not an error: it returns the Absent
// token, letting the resolver and executor treat "doesn't exist yet" as a
// distinct, comparable state rather than a failure.
func (n *PathNode) Fingerprint(ctx context.Context) (model.Fingerprint, error) {
	info, err := os.Stat(n.Path)
	if os.IsNotExist(err) {
		return model.Fingerprint{Absent: true}, nil
	}
	if err != nil {
		return model.Fingerprint{}, err
	}
	if info.IsDir() || info.Size() > hashSizeThreshold {
		return model.Fingerprint{Size: info.Size(), ModTime: info.ModTime().UnixNano()}, nil
	}
	hash, err := hashFile(n.Path)
	if err != nil {
		return model.Fingerprint{}, err
	}
	return model.Fingerprint{Hash: hash, Size: info.Size(), ModTime: info.ModTime().UnixNano()}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintFunc computes a ValueNode's current fingerprint. Registered by
// user code through the collect_node hook; there is no built-in default
// since an opaque value has no inherent notion of "current state".
type FingerprintFunc func(ctx context.Context) (model.Fingerprint, error)

// ExistsFunc reports whether a ValueNode's underlying value is currently
// present. Defaults to "always exists" when nil, since most opaque values
// (config blobs, database rows, remote resources) have no absent state
// worth distinguishing from a changed one.
type ExistsFunc func(ctx context.Context) bool

// ValueNode is an opaque artifact (a config value, a database row, a remote
// resource) whose fingerprint and existence are supplied by user code rather
// than derived from a filesystem path.
type ValueNode struct {
	NodeID        string
	FingerprintFn FingerprintFunc
	ExistsFn      ExistsFunc
}

// NewValueNode constructs a ValueNode with the given identity and fingerprint function.
func NewValueNode(id string, fingerprintFn FingerprintFunc) *ValueNode {
	return &ValueNode{NodeID: id, FingerprintFn: fingerprintFn}
}

// ID returns the node's registered identity.
func (n *ValueNode) ID() string { return n.NodeID }

// Fingerprint delegates to the registered FingerprintFn.
func (n *ValueNode) Fingerprint(ctx context.Context) (model.Fingerprint, error) {
	return n.FingerprintFn(ctx)
}

// Exists delegates to ExistsFn, defaulting to true when none was registered.
func (n *ValueNode) Exists(ctx context.Context) bool {
	if n.ExistsFn == nil {
		return true
	}
	return n.ExistsFn(ctx)
}
