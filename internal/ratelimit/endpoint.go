package ratelimit

import (
	"strings"
)

// Key builds the normalized bucket key for a request: method plus path
// template. Requests to /v1/tracks/abc and /v1/tracks/def share one
// bucket because the provider's quota is declared per endpoint, not
// per resource.
func Key(method, path string) string {
	return strings.ToUpper(method) + " " + NormalizePath(path)
}

// NormalizePath collapses resource identifiers in a URL path into
// placeholder segments.
func NormalizePath(path string) string {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "/"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// looksLikeID reports whether a path segment is a resource identifier
// rather than a route word. Provider IDs are long base62 strings;
// numeric segments are offsets or numeric IDs.
func looksLikeID(seg string) bool {
	if seg == "" {
		return false
	}

	digits := 0
	for _, r := range seg {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
		default:
			return false
		}
	}

	if digits == len(seg) {
		return true
	}
	// Route words are short and letter-only; provider IDs are long and
	// mix cases/digits.
	return len(seg) >= 16 && digits > 0
}
