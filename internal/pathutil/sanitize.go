package pathutil

import (
	"path"
	"strings"
	"unicode/utf8"
)

// DefaultMaxFilenameLength is the usual per-component limit (bytes) of common filesystems.
const DefaultMaxFilenameLength = 255

// SanitizeFilename reduces name to a single safe path component of at most
// maxLength bytes (DefaultMaxFilenameLength when maxLength <= 0). Directory
// components are dropped, reserved and control characters become '_', and a
// leading dot is prefixed with '_'. The extension survives truncation when it
// fits. Returns "" when nothing usable is left.
func SanitizeFilename(name string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxFilenameLength
	}

	name = lastSegment(name)
	if name == "" {
		return ""
	}

	b := []byte(name)
	for i, c := range b {
		// all replaced characters are ASCII, so multi-byte UTF-8 sequences are untouched
		if c < 0x20 || strings.IndexByte(`<>:"/\|?*`, c) >= 0 {
			b[i] = '_'
		}
	}
	name = string(b)

	if strings.HasPrefix(name, ".") {
		name = "_" + name
	}

	if len(name) > maxLength {
		ext := path.Ext(name)
		base := strings.TrimSuffix(name, ext)
		if keep := maxLength - len(ext); keep > 0 && truncate(base, keep) != "" {
			name = truncate(base, keep) + ext
		} else {
			name = truncate(name, maxLength)
		}
	}
	return name
}

// lastSegment returns the final component, treating both '/' and '\' as
// separators and ignoring trailing ones.
func lastSegment(p string) string {
	p = strings.TrimRight(p, `/\`)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		p = p[i+1:]
	}
	return p
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
