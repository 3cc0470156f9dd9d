// Package version reports the build version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Override replaces the embedded version when set at link time with
// -ldflags "-X github.com/ShayCichocki/switchyard/internal/version.Override=...".
var Override string

// Get returns the current version, with whitespace trimmed.
func Get() string {
	if v := strings.TrimSpace(Override); v != "" {
		return v
	}
	return strings.TrimSpace(versionContent)
}
