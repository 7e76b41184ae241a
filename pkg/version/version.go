package version

// Build information. Populated at build time via -ldflags.
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
