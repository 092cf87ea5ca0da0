// Package version reports how the rebootverify binary was built.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is empty unless set at link time:
//
//	-ldflags "-X github.com/rebootverify/rebootverify/pkg/version.Version=v1.2.3"
var Version string

const develVersion = "0.1.0-dev"

// Info describes the running binary.
type Info struct {
	Version   string
	Revision  string
	Dirty     bool
	GoVersion string
	Platform  string
}

var buildInfo = debug.ReadBuildInfo

// Get resolves the build description. A link-time Version wins over the
// module version recorded by "go install", which wins over the VCS stamp.
func Get() Info {
	info := Info{
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	var module string
	if bi, ok := buildInfo(); ok && bi != nil {
		module = strings.TrimSpace(bi.Main.Version)
		info.Revision, info.Dirty = vcsStamp(bi.Settings)
	}

	switch linked := strings.TrimSpace(Version); {
	case linked != "":
		info.Version = linked
	case module != "" && module != "(devel)":
		info.Version = module
	case info.Revision != "":
		info.Version = "devel+" + shortRevision(info.Revision)
		if info.Dirty {
			info.Version += "-dirty"
		}
	default:
		info.Version = develVersion
	}
	return info
}

// String renders the line printed by the version command.
func (i Info) String() string {
	return fmt.Sprintf("rebootverify %s (%s %s)", i.Version, i.GoVersion, i.Platform)
}

// String is shorthand for Get().String().
func String() string {
	return Get().String()
}

func vcsStamp(settings []debug.BuildSetting) (revision string, dirty bool) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = strings.TrimSpace(s.Value)
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	return revision, dirty
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
