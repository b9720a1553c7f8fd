package version

// Set via -ldflags "-X github.com/you/pollcast/internal/version.Version=..." at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
