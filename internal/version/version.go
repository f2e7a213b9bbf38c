// Package version carries the build-time version stamp of the agent.
package version

import (
	"strconv"
	"strings"
)

// Injected at build time:
//
//	go build -ldflags "-X boardflash-agent/internal/version.version=1.2.3"
var version = "0.0.0-dev"

// String returns the semantic version of this build.
func String() string {
	return version
}

// Numeric folds the dotted version into a single comparable integer, three
// decimal digits per component, ignoring any pre-release suffix
// (1.2.3 -> 1002003).
func Numeric() int {
	return numeric(version)
}

func numeric(semVer string) int {
	base, _, _ := strings.Cut(semVer, "-")
	result := 0
	for _, part := range strings.Split(base, ".") {
		num, _ := strconv.Atoi(part)
		result = result*1000 + num
	}
	return result
}

// UserAgent identifies the agent on its outgoing HTTP requests.
func UserAgent() string {
	return "boardflash-agent/" + version
}
