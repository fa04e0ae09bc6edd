package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// validatePath checks that a path is within allowed boundaries.
func validatePath(path string, forbiddenPaths, allowedRoots []string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	// Block null byte injection
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains null byte")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("cannot resolve path: %w", err)
	}
	resolved := resolveSymlinks(absPath)

	for _, forbidden := range forbiddenPaths {
		absForbidden, err := filepath.Abs(expandHome(forbidden))
		if err != nil {
			continue
		}
		if isSubpath(resolved, absForbidden) || isSubpath(resolved, resolveSymlinks(absForbidden)) {
			return fmt.Errorf("path %q is within forbidden path %q", path, forbidden)
		}
	}

	if len(allowedRoots) == 0 {
		return nil
	}
	for _, root := range allowedRoots {
		absRoot, err := filepath.Abs(expandHome(root))
		if err != nil {
			continue
		}
		if isSubpath(resolved, resolveSymlinks(absRoot)) {
			return nil
		}
	}
	return fmt.Errorf("path %q is outside the allowed roots", path)
}

// resolveSymlinks resolves symlinks in the longest existing prefix of absPath
// so paths that do not exist yet are still judged by where they would land.
func resolveSymlinks(absPath string) string {
	missing := []string{}
	cur := absPath
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return absPath
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// isSubpath checks if child is equal to or a subdirectory of parent.
func isSubpath(child, parent string) bool {
	if child == parent {
		return true
	}
	prefix := parent + string(filepath.Separator)
	if strings.HasSuffix(parent, string(filepath.Separator)) {
		prefix = parent
	}
	return strings.HasPrefix(child, prefix)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
