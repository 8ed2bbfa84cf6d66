// Package version reports the build version shared by both binaries.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Commit is set at build time with -ldflags "-X .../internal/version.Commit=<sha>".
var Commit = ""

// Get returns the current version, with whitespace trimmed
func Get() string {
	v := strings.TrimSpace(versionContent)
	if Commit != "" {
		return v + "+" + Commit
	}
	return v
}
