package toolforge

import (
	"os"
	"os/exec"
	"runtime"
	"sync"
)

// Capabilities describes what the host can do. It is detected once and then
// passed by value; nothing mutates it after startup.
type Capabilities struct {
	OS            string
	Arch          string
	ProcessGroups bool // children can be isolated in their own process group
	Root          bool
	Shell         string // absolute path of sh, empty when missing
}

var (
	capsOnce sync.Once
	caps     Capabilities
)

// DetectCapabilities probes the host on first call and returns the same
// descriptor afterwards.
func DetectCapabilities() Capabilities {
	capsOnce.Do(func() {
		caps = Capabilities{
			OS:            runtime.GOOS,
			Arch:          runtime.GOARCH,
			ProcessGroups: runtime.GOOS != "windows" && runtime.GOOS != "plan9",
			Root:          os.Geteuid() == 0,
		}
		if sh, err := exec.LookPath("sh"); err == nil {
			caps.Shell = sh
		}
		debugf("capabilities: %+v\n", caps)
	})
	return caps
}

// DownloadArch maps GOARCH to the naming used by toolchain vendors.
func (c Capabilities) DownloadArch() string {
	switch c.Arch {
	case "amd64":
		return "x64"
	case "arm64":
		return "aarch64"
	case "arm":
		return "arm"
	case "386":
		return "x86"
	}
	return c.Arch
}
