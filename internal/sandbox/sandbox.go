// Package sandbox enforces the path allow/deny roots a monitored source's
// path must resolve under before the tailer is permitted to open it.
//
// Resolution rules:
//   - The candidate path is made absolute and symlinks are resolved
//     (filepath.EvalSymlinks) so a symlink cannot be used to escape the
//     allowed roots.
//   - Deny roots are checked first and always win, even if a path also
//     matches an allow root.
//   - A path matches a root if it is equal to the root or a subdirectory
//     of it, using proper path boundary matching (a root "/var/lo" must
//     not match "/var/log").
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Sandbox holds the configured allow/deny roots. Safe for concurrent use;
// Update may be called while other goroutines call Resolve (hot-reload).
type Sandbox struct {
	mu         sync.RWMutex
	allowRoots []string
	denyRoots  []string
	strict     bool
}

// New constructs a Sandbox from configured roots. Roots are cleaned but not
// required to exist at construction time (a root may be created later).
func New(allowRoots, denyRoots []string, strict bool) *Sandbox {
	s := &Sandbox{}
	s.Update(allowRoots, denyRoots, strict)
	return s
}

// Update replaces the sandbox's roots in place, so callers holding an
// existing *Sandbox (e.g. a running Tailer) see the new roots without
// needing a fresh pointer handed to them — used by config hot-reload.
func (s *Sandbox) Update(allowRoots, denyRoots []string, strict bool) {
	cleanedAllow := make([]string, 0, len(allowRoots))
	for _, r := range allowRoots {
		cleanedAllow = append(cleanedAllow, filepath.Clean(r))
	}
	cleanedDeny := make([]string, 0, len(denyRoots))
	for _, r := range denyRoots {
		cleanedDeny = append(cleanedDeny, filepath.Clean(r))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowRoots = cleanedAllow
	s.denyRoots = cleanedDeny
	s.strict = strict
}

// Resolve validates path against the sandbox and returns its absolute,
// symlink-resolved form. Returns an error if the path escapes the allowed
// roots, falls under a deny root, or cannot be resolved.
func (s *Sandbox) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolving %q: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// The path may not exist yet (e.g. a rotated-away log about to
			// be recreated). Fall back to the lexical form so a directory
			// source can still be validated ahead of file creation.
			resolved = abs
		} else {
			return "", fmt.Errorf("sandbox: evaluating symlinks for %q: %w", path, err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.strict && resolved != abs {
		return "", fmt.Errorf("sandbox: %q resolves through a symlink to %q, rejected under strict mode", path, resolved)
	}

	for _, deny := range s.denyRoots {
		if pathIsUnder(resolved, deny) {
			return "", fmt.Errorf("sandbox: %q falls under deny root %q", resolved, deny)
		}
	}

	for _, allow := range s.allowRoots {
		if pathIsUnder(resolved, allow) {
			return resolved, nil
		}
	}

	return "", fmt.Errorf("sandbox: %q does not fall under any allow root", resolved)
}

// pathIsUnder returns true if path is equal to or a subdirectory of root,
// using proper path boundary matching.
func pathIsUnder(path, root string) bool {
	if root == string(filepath.Separator) {
		return true
	}
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
