package version

// Replaced at build time with -ldflags "-X".
var (
	Version    = "0.3"
	GitHash    = "devXXX"
	BuildTS    = "2026-01-01T00:00:00Z"
	APIVersion = "1.0"
	Agent      = "perfseqd/" + Version
	Branch     = "main"
)

type VersionConfig struct {
	Version    string `json:"version"`
	GitHash    string `json:"git_hash"`
	BuildTS    string `json:"build_ts"`
	APIVersion string `json:"api_version"`
	Agent      string `json:"agent"`
	Branch     string `json:"branch"`
	Family     string `json:"family,omitempty"`
}

// GetVersionConfig reports the build, plus the chip family when known.
func GetVersionConfig(family string) VersionConfig {
	return VersionConfig{
		Version:    Version,
		GitHash:    GitHash,
		BuildTS:    BuildTS,
		APIVersion: APIVersion,
		Agent:      Agent,
		Branch:     Branch,
		Family:     family,
	}
}
