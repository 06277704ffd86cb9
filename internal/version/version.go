package version

// Overridden at build time:
//
//	go build -ldflags "-X deskbot/internal/version.Version=v0.3.0 -X deskbot/internal/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "dev"
	Commit  = ""
)

// String returns the human-readable version, including the commit when known.
func String() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
