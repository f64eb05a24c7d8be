package batch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Expand resolves glob patterns into a deduplicated list of file paths.
// Patterns use doublestar syntax, so ** matches any number of directories.
// Directories, whether named directly or matched, are walked recursively.
// Patterns that match nothing contribute nothing.
func Expand(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", pattern, err)
		}
		sort.Strings(matches)

		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", match, err)
			}
			if !info.IsDir() {
				add(match)
				continue
			}
			err = filepath.WalkDir(match, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.Type().IsRegular() {
					add(path)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk %s: %w", match, err)
			}
		}
	}
	return out, nil
}

// GlobBase returns the directory prefix of pattern that contains no glob
// meta characters. Outputs keep their path relative to it.
func GlobBase(pattern string) string {
	dir := filepath.Clean(pattern)
	if !hasMeta(dir) {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		return filepath.Dir(dir)
	}
	for hasMeta(dir) {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
	return dir
}

func hasMeta(path string) bool {
	return strings.ContainsAny(path, "*?[{")
}
