// Package version holds the build version, set with
// -ldflags "-X github.com/jsherman999/statehub/internal/version.Version=...".
package version

var Version = "dev"

// Resolve prefers a configured build version over the linked one.
func Resolve(configured string) string {
	if configured != "" {
		return configured
	}
	return Version
}
