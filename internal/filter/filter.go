// Package filter implements composable file inclusion predicates used by both
// the sync manifest builder and the backup collector.
package filter

import (
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
)

// FileInfo is the minimal view of a candidate file a predicate can inspect.
// RelPath is always forward-slash separated.
type FileInfo struct {
	RelPath string
	Name    string
	Size    int64
	Hidden  bool
}

// Predicate decides whether a file is included.
type Predicate func(FileInfo) bool

// All accepts every file. It is the identity for And.
func All() Predicate {
	return func(FileInfo) bool { return true }
}

// And includes a file only when every predicate does.
func And(preds ...Predicate) Predicate {
	return func(fi FileInfo) bool {
		for _, p := range preds {
			if !p(fi) {
				return false
			}
		}
		return true
	}
}

// Or includes a file when any predicate does.
func Or(preds ...Predicate) Predicate {
	return func(fi FileInfo) bool {
		for _, p := range preds {
			if p(fi) {
				return true
			}
		}
		return false
	}
}

// Not inverts a predicate.
func Not(p Predicate) Predicate {
	return func(fi FileInfo) bool { return !p(fi) }
}

// Extensions includes only files with one of the given extensions
// (case-insensitive, leading dot optional).
func Extensions(exts ...string) Predicate {
	normalized := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))
		normalized[ext] = struct{}{}
	}
	return func(fi FileInfo) bool {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(fi.Name), "."))
		_, ok := normalized[ext]
		return ok
	}
}

// ExcludeExtensions rejects files with one of the given extensions.
func ExcludeExtensions(exts ...string) Predicate {
	return Not(Extensions(exts...))
}

// MinSize includes files of at least n bytes.
func MinSize(n int64) Predicate {
	return func(fi FileInfo) bool { return fi.Size >= n }
}

// MaxSize includes files of at most n bytes.
func MaxSize(n int64) Predicate {
	return func(fi FileInfo) bool { return fi.Size <= n }
}

// NoHidden rejects dotfiles and files under dot-directories.
func NoHidden() Predicate {
	return func(fi FileInfo) bool { return !fi.Hidden }
}

// Glob includes files whose relative path matches a doublestar pattern,
// e.g. "docs/**/*.md".
func Glob(pattern string) Predicate {
	return func(fi FileInfo) bool {
		ok, err := doublestar.Match(pattern, fi.RelPath)
		return err == nil && ok
	}
}

// Regex includes files whose relative path matches the expression.
func Regex(expr string) (Predicate, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return func(fi FileInfo) bool {
		return re.MatchString(fi.RelPath)
	}, nil
}

// Prefix includes files under the given path prefix ("" matches everything).
func Prefix(prefix string) Predicate {
	prefix = strings.Trim(prefix, "/")
	return func(fi FileInfo) bool {
		if prefix == "" {
			return true
		}
		return fi.RelPath == prefix || strings.HasPrefix(fi.RelPath, prefix+"/")
	}
}

// IgnoreLines rejects files matched by gitignore-style patterns. Used for the
// user's driftignore file.
func IgnoreLines(lines ...string) Predicate {
	matcher := gitignore.CompileIgnoreLines(lines...)
	return func(fi FileInfo) bool {
		return !matcher.MatchesPath(fi.RelPath)
	}
}
