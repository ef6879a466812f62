package fsutil

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// MarkerName is the per-folder file whose content is the folder password.
const MarkerName = ".password"

// Normalize takes a user path like "", ".", "a//b", "/a/../../b" and returns
// an absolute slash path bounded at "/" with no trailing slash.
func Normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return "/"
	}
	return path.Clean("/" + p) // force absolute so ".." cannot climb above root
}

// ValidThumbnailPath reports whether p may be sent as a thumbnail lookup.
// Graph path addressing uses ':' as a delimiter.
func ValidThumbnailPath(p string) bool {
	return !strings.Contains(p, ":")
}

// IsMarkerName reports whether name is the password marker. The drive
// resolves names case-insensitively.
func IsMarkerName(name string) bool {
	return strings.EqualFold(name, MarkerName)
}

// Within reports whether p equals prefix or sits below it, segment-wise and
// ignoring case, as the drive resolves paths. Both arguments must be
// normalized.
func Within(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	ps := strings.Split(p, "/")
	rs := strings.Split(prefix, "/")
	if len(ps) < len(rs) {
		return false
	}
	for i, seg := range rs {
		if !strings.EqualFold(ps[i], seg) {
			return false
		}
	}
	return true
}

// JoinWithinRoot returns an absolute filesystem path under root for a
// normalized slash path. It rejects escapes.
func JoinWithinRoot(rootAbs string, p string) (string, error) {
	rel := strings.TrimPrefix(Normalize(p), "/")
	if rel == "" {
		return rootAbs, nil
	}
	if strings.Contains(rel, "\x00") {
		return "", errors.New("invalid path")
	}
	abs := filepath.Join(rootAbs, filepath.FromSlash(rel))
	absClean := filepath.Clean(abs)
	rootClean := filepath.Clean(rootAbs)
	if absClean != rootClean && !strings.HasPrefix(absClean, rootClean+string(filepath.Separator)) {
		return "", errors.New("path escape")
	}
	return absClean, nil
}
