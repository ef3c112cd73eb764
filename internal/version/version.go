package version

// Overridden via -ldflags "-X curtail-control/internal/version.version=..." on release builds.
var version = "0.3.0-dev"

func String() string {
	return version
}
