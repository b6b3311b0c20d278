// Package version exposes build metadata stamped in at link time.
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time; left at defaults for plain `go build`.
var (
	// Version is the semantic version when built from a tag
	Version = "dev"
	// Commit is the git commit hash of the build
	Commit = "unknown"
	// Date is the build timestamp
	Date = "unknown"
)

// Info is the full build description
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build description of the running binary
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("skein %s (commit %s, built %s)", i.Version, i.Commit, i.Date)
}
