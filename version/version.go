package version

// Overridden at build time with -ldflags "-X github.com/mykhaliev/agent-e2e/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)
