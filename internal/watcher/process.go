package watcher

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo is best-effort attribution for a honeytoken access.
type ProcessInfo struct {
	Name    string
	PID     int32
	User    string
	Cmdline string
}

// ProcessLookup finds a process that holds path open.
type ProcessLookup interface {
	Lookup(ctx context.Context, path string) (ProcessInfo, bool)
}

// ProcessNamer resolves a PID to a process name.
type ProcessNamer interface {
	ProcessName(ctx context.Context, pid int32) (string, error)
}

// gopsutilProcesses implements ProcessLookup and ProcessNamer on top of the
// OS process table.
type gopsutilProcesses struct{}

func (gopsutilProcesses) ProcessName(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

// Lookup scans every process's open files. Processes that cannot be
// inspected are skipped; the self process is ignored.
func (gopsutilProcesses) Lookup(ctx context.Context, path string) (ProcessInfo, bool) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return ProcessInfo{}, false
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if ctx.Err() != nil {
			return ProcessInfo{}, false
		}
		if p.Pid == self {
			continue
		}
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			continue
		}
		for _, f := range files {
			if !samePath(f.Path, path) {
				continue
			}
			info := ProcessInfo{PID: p.Pid}
			info.Name, _ = p.NameWithContext(ctx)
			info.User, _ = p.UsernameWithContext(ctx)
			info.Cmdline, _ = p.CmdlineWithContext(ctx)
			return info, true
		}
	}
	return ProcessInfo{}, false
}

func samePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
