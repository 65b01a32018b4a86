package realtime

import (
	"fmt"
	"strings"
)

// Split validates p and returns its segments. The root path ("" or "/") has no segments.
func Split(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if !ValidSegment(s) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return segs, nil
}

// ValidSegment reports whether s can be used as a single path segment.
func ValidSegment(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, "/.#$[]")
}

// Join builds a path from segments without validating them.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

// Related reports whether a write at w can change what is visible at p.
func Related(p, w []string) bool {
	n := len(p)
	if len(w) < n {
		n = len(w)
	}
	for i := 0; i < n; i++ {
		if p[i] != w[i] {
			return false
		}
	}
	return true
}
