package firewall

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode/utf16"
)

// ErrUnsupportedOS is returned by Installer on platforms without a known
// scheduler.
var ErrUnsupportedOS = errors.New("firewall: no scheduler integration for this OS")

// Installer registers the helper with the OS scheduler so it runs once a
// minute with firewall privileges: a Scheduled Task running as SYSTEM on
// Windows, a systemd service and timer on Linux.
type Installer struct {
	// TaskName names the Scheduled Task, and in lower case the systemd units.
	TaskName string
	// Executable is the absolute path of the helper binary.
	Executable string
	// ConfigPath is passed to the helper with -config when non-empty.
	ConfigPath string
	// WorkDir is the task's working directory and where the task XML is
	// staged. Defaults to the executable's directory.
	WorkDir string
	// UnitDir holds systemd units. Defaults to /etc/systemd/system.
	UnitDir string
	// OS selects the scheduler. Defaults to runtime.GOOS.
	OS     string
	Runner CommandRunner
}

func (i *Installer) goos() string {
	if i.OS != "" {
		return i.OS
	}
	return runtime.GOOS
}

func (i *Installer) workDir() string {
	if i.WorkDir != "" {
		return i.WorkDir
	}
	return filepath.Dir(i.Executable)
}

func (i *Installer) unitDir() string {
	if i.UnitDir != "" {
		return i.UnitDir
	}
	return "/etc/systemd/system"
}

func (i *Installer) unitName() string {
	return strings.ToLower(i.TaskName)
}

func (i *Installer) helperArgs() []string {
	args := []string{"-run-once"}
	if i.ConfigPath != "" {
		args = append(args, "-config", i.ConfigPath)
	}
	return args
}

// Install registers the helper. Re-running it replaces the registration.
func (i *Installer) Install(ctx context.Context) error {
	if i.TaskName == "" || i.Executable == "" {
		return errors.New("firewall: installer needs a task name and an executable")
	}
	switch i.goos() {
	case "windows":
		return i.installTask(ctx)
	case "linux":
		return i.installUnits(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOS, i.goos())
	}
}

// Uninstall removes the registration. Removing a missing registration is
// not an error on Linux; schtasks reports it as a failure on Windows.
func (i *Installer) Uninstall(ctx context.Context) error {
	switch i.goos() {
	case "windows":
		if _, err := i.Runner.Run(ctx, "schtasks", "/Delete", "/TN", i.TaskName, "/F"); err != nil {
			return fmt.Errorf("firewall: delete scheduled task: %w", err)
		}
		return nil
	case "linux":
		return i.uninstallUnits(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOS, i.goos())
	}
}

// ─── Windows ────────────────────────────────────────────────────────────────

func (i *Installer) installTask(ctx context.Context) error {
	f, err := os.CreateTemp(i.workDir(), "dv_firewall_task-*.xml")
	if err != nil {
		return fmt.Errorf("firewall: stage task XML: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(encodeUTF16LE(TaskXML(i.Executable, i.helperArgs(), i.workDir()))); err != nil {
		f.Close()
		return fmt.Errorf("firewall: write task XML: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("firewall: close task XML: %w", err)
	}

	if _, err := i.Runner.Run(ctx, "schtasks", "/Create", "/TN", i.TaskName, "/XML", f.Name(), "/F"); err != nil {
		return fmt.Errorf("firewall: create scheduled task: %w", err)
	}
	return nil
}

// TaskXML renders the Task Scheduler definition: SYSTEM principal, a
// one-minute repetition, no overlapping instances, five-minute run limit.
func TaskXML(executable string, args []string, workDir string) string {
	quoted := make([]string, len(args))
	for n, a := range args {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		quoted[n] = a
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-16"?>
<Task version="1.2" xmlns="http://schemas.microsoft.com/windows/2004/02/mit/task">
  <RegistrationInfo>
    <Description>DecoyVerse Firewall Helper: blocks attacker IPs on behalf of the agent</Description>
  </RegistrationInfo>
  <Triggers>
    <TimeTrigger>
      <Repetition>
        <Interval>PT1M</Interval>
        <StopAtDurationEnd>false</StopAtDurationEnd>
      </Repetition>
      <StartBoundary>2024-01-01T00:00:00</StartBoundary>
      <Enabled>true</Enabled>
    </TimeTrigger>
  </Triggers>
  <Principals>
    <Principal id="Author">
      <UserId>S-1-5-18</UserId>
      <RunLevel>HighestAvailable</RunLevel>
    </Principal>
  </Principals>
  <Settings>
    <MultipleInstancesPolicy>IgnoreNew</MultipleInstancesPolicy>
    <DisallowStartIfOnBatteries>false</DisallowStartIfOnBatteries>
    <StopIfGoingOnBatteries>false</StopIfGoingOnBatteries>
    <ExecutionTimeLimit>PT5M</ExecutionTimeLimit>
    <Enabled>true</Enabled>
  </Settings>
  <Actions>
    <Exec>
      <Command>%s</Command>
      <Arguments>%s</Arguments>
      <WorkingDirectory>%s</WorkingDirectory>
    </Exec>
  </Actions>
</Task>
`, xmlEscape(executable), xmlEscape(strings.Join(quoted, " ")), xmlEscape(workDir))
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// encodeUTF16LE encodes s as UTF-16 little endian with a byte order mark,
// the encoding schtasks expects for /XML input.
func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 2, 2+2*len(units))
	out[0], out[1] = 0xFF, 0xFE
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}

// ─── Linux ──────────────────────────────────────────────────────────────────

// systemdQuote renders s as one ExecStart word. Specifier and variable
// characters are doubled; words with spaces or quotes are double-quoted
// with C-style escapes.
func systemdQuote(s string) string {
	s = strings.NewReplacer("%", "%%", "$", "$$").Replace(s)
	if s != "" && !strings.ContainsAny(s, " \t\"'\\;") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func (i *Installer) installUnits(ctx context.Context) error {
	name := i.unitName()
	words := []string{systemdQuote(i.Executable)}
	for _, a := range i.helperArgs() {
		words = append(words, systemdQuote(a))
	}
	execStart := strings.Join(words, " ")

	service := fmt.Sprintf(`[Unit]
Description=DecoyVerse firewall helper (one pass over pending blocks)
After=network.target

[Service]
Type=oneshot
ExecStart=%s
WorkingDirectory=%s
TimeoutStartSec=300
`, execStart, strings.ReplaceAll(i.workDir(), "%", "%%"))

	timer := fmt.Sprintf(`[Unit]
Description=Run the DecoyVerse firewall helper every minute

[Timer]
OnBootSec=1min
OnUnitActiveSec=1min
Unit=%s.service

[Install]
WantedBy=timers.target
`, name)

	for file, body := range map[string]string{
		name + ".service": service,
		name + ".timer":   timer,
	} {
		path := filepath.Join(i.unitDir(), file)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return fmt.Errorf("firewall: write unit %q: %w", path, err)
		}
	}

	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", "--now", name + ".timer"},
	} {
		if _, err := i.Runner.Run(ctx, "systemctl", args...); err != nil {
			return fmt.Errorf("firewall: systemctl %s: %w", strings.Join(args, " "), err)
		}
	}
	return nil
}

func (i *Installer) uninstallUnits(ctx context.Context) error {
	name := i.unitName()
	// A timer that was never enabled makes disable fail; the unit files
	// are removed regardless.
	_, _ = i.Runner.Run(ctx, "systemctl", "disable", "--now", name+".timer")

	for _, file := range []string{name + ".timer", name + ".service"} {
		path := filepath.Join(i.unitDir(), file)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("firewall: remove unit %q: %w", path, err)
		}
	}
	if _, err := i.Runner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("firewall: systemctl daemon-reload: %w", err)
	}
	return nil
}
