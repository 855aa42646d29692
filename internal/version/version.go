package version

import "runtime/debug"

// AppName is the canonical application name used in logs and metrics.
const AppName = "botops"

// set via ldflags at release build time
var (
	Version = "dev"
	Commit  = "none"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	VCSDirty  *bool  `json:"vcs_dirty,omitempty"`
}

// Get merges ldflags values with whatever the Go toolchain stamped into
// the binary. ldflags win for version/commit when present.
func Get() Info {
	out := Info{
		Version: Version,
		Commit:  Commit,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion

	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			out.BuildDate = s.Value
		case "vcs.modified":
			switch s.Value {
			case "true":
				t := true
				out.VCSDirty = &t
			case "false":
				f := false
				out.VCSDirty = &f
			}
		}
	}

	return out
}
