// Package version exposes build metadata stamped in via -ldflags, with
// fallbacks read from the embedded VCS build info.
package version

import (
	"runtime/debug"
	"strings"
)

// AppName identifies the binary in logs, traces, and build_info.
const AppName = "fileguard"

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
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
			if out.BuildDate == "" && s.Value != "" {
				out.BuildDate = s.Value
			}
			out.CommitDate = s.Value
		case "vcs.modified":
			if b, ok := parseBool(s.Value); ok {
				out.VCSDirty = &b
			}
		}
	}
	return out
}

// ShortCommit returns the first 12 characters of the commit hash.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

// LogFields returns key/value pairs for the startup log line.
func (i Info) LogFields() []any {
	kv := []any{
		"version", i.Version,
		"commit", i.ShortCommit(),
		"go_version", i.GoVersion,
	}
	if i.BuildId != "" {
		kv = append(kv, "build_id", i.BuildId)
	}
	if i.VCSDirty != nil && *i.VCSDirty {
		kv = append(kv, "vcs_dirty", true)
	}
	return kv
}

func parseBool(s string) (bool, bool) {
	switch strings.TrimSpace(s) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}
