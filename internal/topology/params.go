package topology

import (
	"os"
	"runtime"
	"runtime/debug"
	"strings"
)

// EnvironmentVariable overrides the inferred environment when no explicit
// value is configured.
const EnvironmentVariable = "ENSEMBLE_ENVIRONMENT"

const (
	EnvironmentDevelopment = "development"
	EnvironmentRelease     = "release"
)

// Params is the context conditions and templates are evaluated against.
type Params map[string]any

// ParamsOptions feeds DefaultParams.
type ParamsOptions struct {
	// Values are explicit key/values; they never override the built-ins.
	Values map[string]string
	// Environment forces "development" or "release".
	Environment string
}

// DefaultParams builds the parameter context of the running supervisor.
func DefaultParams(opts ParamsOptions) Params {
	p := Params{}
	for k, v := range opts.Values {
		p[k] = v
	}
	p["os_architecture"] = runtime.GOARCH
	p["processor_architecture"] = runtime.GOARCH
	p["platform"] = Platform(runtime.GOOS)
	p["session_id"] = os.Getpid()
	p["environment"] = resolveEnvironment(opts.Environment)
	return p
}

// Platform folds a GOOS value into the platform names documents test against.
func Platform(goos string) string {
	switch goos {
	case "windows", "linux":
		return goos
	case "darwin":
		return "osx"
	case "freebsd", "openbsd", "netbsd", "dragonfly":
		return "bsd"
	default:
		return "other"
	}
}

func resolveEnvironment(explicit string) string {
	if e := normalizeEnvironment(explicit); e != "" {
		return e
	}
	if e := normalizeEnvironment(os.Getenv(EnvironmentVariable)); e != "" {
		return e
	}
	// Binaries built from a tagged module carry a real version; go run and
	// plain go build report (devel).
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return EnvironmentRelease
	}
	return EnvironmentDevelopment
}

func normalizeEnvironment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev", "debug":
		return EnvironmentDevelopment
	case "release", "production", "prod":
		return EnvironmentRelease
	}
	return ""
}
