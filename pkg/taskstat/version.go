package taskstat

import "strings"

// VersionPrefix starts every successful version response.
const VersionPrefix = "OK "

// ParseVersion extracts the version from a raw response. ok is false if
// the response lacks VersionPrefix. A response of just the prefix yields
// an empty version with ok true.
func ParseVersion(resp string) (version string, ok bool) {
	if !strings.HasPrefix(resp, VersionPrefix) {
		return "", false
	}
	return strings.TrimSpace(resp[len(VersionPrefix):]), true
}
