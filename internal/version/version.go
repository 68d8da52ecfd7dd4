// Package version compares terminal and backend release versions.
package version

import (
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
)

// IsDevelopmentVersion returns true for non-release versions.
func IsDevelopmentVersion(v string) bool {
	if v == "" || v == "unknown" || v == "dev" || v == "devel" {
		return true
	}
	return strings.HasPrefix(v, "devel+")
}

// validVersionRegex matches release versions (v1.2.3, v1.2.3-beta, etc.)
// Prerelease identifiers must be alphanumeric, separated by dots or hyphens.
var validVersionRegex = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[a-zA-Z0-9]+([.-][a-zA-Z0-9]+)*)?$`)

// Valid reports whether v is a well-formed release version.
func Valid(v string) bool {
	return validVersionRegex.MatchString(v)
}

// parseSemver extracts major.minor.patch, ignoring prerelease and build
// metadata. Missing parts are 0; unparseable input yields 0.0.0.
func parseSemver(v string) [3]int {
	v = strings.TrimPrefix(v, "v")
	v, _, _ = strings.Cut(v, "+")
	v, _, _ = strings.Cut(v, "-")

	var out [3]int
	if v == "" {
		return out
	}
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return [3]int{}
		}
		out[i] = n
	}
	return out
}

// IsNewer reports whether a is a strictly higher core version than b.
func IsNewer(a, b string) bool {
	va, vb := parseSemver(a), parseSemver(b)
	for i := range va {
		if va[i] != vb[i] {
			return va[i] > vb[i]
		}
	}
	return false
}

// Compatible reports whether a terminal can sync with a backend. Major
// versions must match; development builds and unreported versions are
// always accepted.
func Compatible(terminal, backend string) bool {
	if IsDevelopmentVersion(terminal) || IsDevelopmentVersion(backend) {
		return true
	}
	return parseSemver(terminal)[0] == parseSemver(backend)[0]
}

// Resolve picks the version a binary reports. A stamped release wins, then
// the module version recorded by go install, then devel+<revision>.
func Resolve(stamped string) string {
	if !IsDevelopmentVersion(stamped) {
		return stamped
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return stamped
	}
	return fromBuildInfo(stamped, info)
}

func fromBuildInfo(fallback string, info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return fallback
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "devel+" + rev
	if dirty {
		v += "+dirty"
	}
	return v
}
