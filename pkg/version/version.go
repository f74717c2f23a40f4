package version

import (
	"fmt"
	"runtime"
)

// Version information - set during build time
var (
	// Version is the semantic version of the application
	Version = "1.0.0"

	// GitCommit is the git commit hash
	GitCommit = "unknown"

	// GitBranch is the git branch
	GitBranch = "unknown"

	// BuildDate is when the binary was built
	BuildDate = "unknown"

	// GoVersion is the Go version used to compile
	GoVersion = runtime.Version()
)

// BuildInfo contains all version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Service   string `json:"service"`
}

// GetBuildInfo returns complete build information
func GetBuildInfo(serviceName string) *BuildInfo {
	return &BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		Service:   serviceName,
	}
}

// GetFullVersion returns a multi-line version banner for --version output
func GetFullVersion(serviceName string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s (%s)\n  built:   %s\n  go:      %s %s/%s",
		serviceName, Version, GitCommit, GitBranch, BuildDate, GoVersion, runtime.GOOS, runtime.GOARCH)
}

// GetShortVersion returns version with commit hash
func GetShortVersion() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return fmt.Sprintf("%s-%s", Version, GitCommit[:7])
	}
	return Version
}

// GetUserAgent returns a user agent string for outbound HTTP requests
// (connection requests, USP direct delivery)
func GetUserAgent(serviceName string) string {
	return fmt.Sprintf("EvoACS-%s/%s (%s/%s; %s)",
		serviceName,
		Version,
		runtime.GOOS,
		runtime.GOARCH,
		GoVersion)
}

// GetCompatibleVersions returns USP protocol versions supported
func GetCompatibleVersions() []string {
	return []string{"1.3", "1.4"}
}

// GetSupportedProtocols returns supported protocols
func GetSupportedProtocols() []string {
	return []string{"CWMP", "USP", "HTTP", "WebSocket", "MQTT"}
}
