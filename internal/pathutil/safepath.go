package pathutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// IsPathSafe reports whether candidate resolves to root or to a path below it.
func IsPathSafe(candidate, root string) bool {
	if candidate == "" || root == "" {
		return false
	}
	if strings.ContainsRune(candidate, 0) || strings.ContainsRune(root, 0) {
		return false
	}

	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	if !contains(absRoot, absCandidate) {
		return false
	}

	realCandidate, err := resolveExisting(absCandidate)
	if err != nil {
		return false
	}
	realRoot, err := resolveExisting(absRoot)
	if err != nil {
		return false
	}
	return contains(realRoot, realCandidate)
}

// CreateSafePath joins segments onto base and returns the result only when it
// stays inside base. Returns "" otherwise.
func CreateSafePath(base string, segments ...string) string {
	if base == "" {
		return ""
	}
	for _, s := range segments {
		if strings.ContainsRune(s, 0) {
			return ""
		}
	}
	joined := filepath.Join(append([]string{base}, segments...)...)
	if !IsPathSafe(joined, base) {
		return ""
	}
	return joined
}

// contains compares cleaned absolute paths. The separator appended to root
// keeps "/data-evil" from matching "/data".
func contains(root, candidate string) bool {
	if candidate == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(candidate, prefix)
}

// maxLinkHops bounds manual resolution of dangling links, mirroring ELOOP.
const maxLinkHops = 40

// resolveExisting evaluates symlinks on the longest prefix of p that exists
// and re-appends the missing tail lexically. A dangling link is followed to
// its target so a link pointing outside the root cannot pass as a new file.
func resolveExisting(p string) (string, error) {
	return resolveHops(p, 0)
}

func resolveHops(p string, hops int) (string, error) {
	if hops > maxLinkHops {
		return "", errTooManyLinks
	}
	var tail []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			target, rerr := os.Readlink(cur)
			if rerr != nil {
				return "", rerr
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			return resolveHops(filepath.Join(append([]string{target}, tail...)...), hops+1)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

var errTooManyLinks = errors.New("too many levels of symbolic links")
