package hooksd

// Version information for the hooksd supervisor
const (
	// Version is the current supervisor version
	Version = "development"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
