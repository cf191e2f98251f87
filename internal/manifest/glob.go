package manifest

import "github.com/bmatcuk/doublestar/v4"

// MatchesAny reports whether path matches any of the doublestar glob
// patterns (supporting `**`), used for files.reads/writes and test_paths
// matching in C7/C11.
func MatchesAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}
