package storage

import (
	"path/filepath"
	"strings"
)

// Fingerprint summarises the observed root paths: primary then secondary,
// each terminated by the path separator, an absent secondary contributing
// nothing. Two fingerprints are equal iff the observed paths are identical.
func Fingerprint(paths RootPaths) string {
	var b strings.Builder
	b.WriteString(withSeparator(paths.Primary))
	b.WriteString(withSeparator(paths.Secondary))
	return b.String()
}

func withSeparator(p string) string {
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if !strings.HasSuffix(p, string(filepath.Separator)) {
		p += string(filepath.Separator)
	}
	return p
}
