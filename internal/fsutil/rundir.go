package fsutil

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// maxRunDirs bounds the search for a free run directory name.
const maxRunDirs = 100000

// NextRunDir creates and returns the first free directory among
// base/prefix, base/prefix1, base/prefix2, ... so earlier runs are never
// overwritten.
func NextRunDir(fsys FileSystem, base, prefix string) (string, error) {
	prefix = SanitizeFilename(prefix)
	candidate := filepath.Join(base, prefix)
	for i := 1; fsys.Exists(candidate); i++ {
		if i >= maxRunDirs {
			return "", fmt.Errorf("no free run directory for %s in %s", prefix, base)
		}
		candidate = filepath.Join(base, prefix+strconv.Itoa(i))
	}
	if err := fsys.MkdirAll(candidate, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory %s: %w", candidate, err)
	}
	return candidate, nil
}

// SanitizeFilename makes a safe file name component from an arbitrary string.
// Characters other than ASCII letters, digits, dot, underscore or dash become
// a single underscore, and the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	const maxLen = 128
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
