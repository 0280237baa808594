package config

import "path/filepath"

// matchGlob reports whether name matches the shell-style pattern, using
// Go's own filepath.Match semantics (*, ?, character classes).
func matchGlob(pattern, name string) (bool, error) {
	return filepath.Match(pattern, name)
}
