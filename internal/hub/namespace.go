package hub

import (
	"regexp"
	"strings"
)

var namespacePattern = regexp.MustCompile(`^/ingest/([^/]+)$`)

// ParseNamespace extracts the device identifier from /ingest/{identifier}.
func ParseNamespace(path string) (string, error) {
	m := namespacePattern.FindStringSubmatch(path)
	if m == nil {
		return "", ErrInvalidNamespace
	}
	return m[1], nil
}

// ValidIdentifier reports whether id can key the registry.
func ValidIdentifier(id string) bool {
	return id != "" && !strings.Contains(id, "/")
}
