package execution

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CleanupWorkdir removes every path under root matching one of patterns
// (doublestar syntax, relative to root). Patterns that would reach outside
// root are rejected. It returns the number of paths removed; failures are
// joined and do not stop the sweep.
func CleanupWorkdir(root string, patterns []string) (int, error) {
	if root == "" || len(patterns) == 0 {
		return 0, nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return 0, fmt.Errorf("resolve working folder: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return 0, fmt.Errorf("working folder: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("working folder is not a directory: %s", absRoot)
	}

	removed := 0
	var errs []error
	for _, pattern := range patterns {
		if filepath.IsAbs(pattern) || strings.HasPrefix(filepath.Clean(pattern), "..") {
			errs = append(errs, fmt.Errorf("pattern %q escapes the working folder", pattern))
			continue
		}
		matches, err := doublestar.FilepathGlob(filepath.Join(absRoot, pattern))
		if err != nil {
			errs = append(errs, fmt.Errorf("glob %q: %w", pattern, err))
			continue
		}
		for _, match := range matches {
			rel, err := filepath.Rel(absRoot, match)
			if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
				continue
			}
			// A parent matched earlier may already have taken this path with it.
			if _, err := os.Lstat(match); errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err := os.RemoveAll(match); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", rel, err))
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
