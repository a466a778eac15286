// Package version carries the build identity shown in the panel's status
// pane. Both values are overridden through -ldflags by build.go.
package version

var (
	Version   = "0.0.0-dev"
	BuildDate = "unknown"
)
