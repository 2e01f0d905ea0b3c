// Package sysinfo gathers the host identity attached to alerts and
// heartbeats.
package sysinfo

import (
	"context"
	"os"
	"os/user"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
)

// Info describes the local host.
type Info struct {
	Hostname        string `json:"hostname"`
	Username        string `json:"username"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelArch      string `json:"kernel_arch,omitempty"`
}

// Collect returns host information. Lookups that fail fall back to
// "unknown" or to runtime values; Collect never returns an error.
func Collect(ctx context.Context) Info {
	info := Info{
		Hostname: "unknown",
		Username: "unknown",
		OS:       runtime.GOOS,
		Platform: runtime.GOOS,
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		if hi.Hostname != "" {
			info.Hostname = hi.Hostname
		}
		if hi.Platform != "" {
			info.Platform = hi.Platform
		}
		info.PlatformVersion = hi.PlatformVersion
		info.KernelArch = hi.KernelArch
	} else if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}

	if u, err := user.Current(); err == nil && u.Username != "" {
		info.Username = u.Username
	} else if name := os.Getenv("USERNAME"); name != "" {
		info.Username = name
	} else if name := os.Getenv("USER"); name != "" {
		info.Username = name
	}
	return info
}
