package version

// Version and Commit are set at build time:
//
//	-ldflags "-X github.com/arencloud/disturbancemonitor/internal/version.Version=vX.Y.Z -X github.com/arencloud/disturbancemonitor/internal/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "dev"
	Commit  = "none"
)

func String() string { return Version + " (" + Commit + ")" }
