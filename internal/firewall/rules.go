package firewall

import (
	"fmt"
	"net"
	"strings"
)

// Direction is the traffic direction a block rule applies to.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Directions lists both directions in the order rules are installed.
var Directions = []Direction{Inbound, Outbound}

// DefaultRulePrefix prefixes every rule name.
const DefaultRulePrefix = "DecoyVerse-Block"

// RuleName returns the deterministic rule name for ip and dir, for example
// "DecoyVerse-Block-203.0.113.5-in". Colons in IPv6 addresses become dashes.
func RuleName(prefix, ip string, dir Direction) string {
	if prefix == "" {
		prefix = DefaultRulePrefix
	}
	return fmt.Sprintf("%s-%s-%s", prefix, strings.ReplaceAll(ip, ":", "-"), dir)
}

// Command is one OS command line.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Backend builds the OS firewall commands for one platform. Check must exit
// zero exactly when the named rule exists.
type Backend interface {
	Name() string
	Add(rule, ip string, dir Direction) Command
	Delete(rule, ip string, dir Direction) Command
	Check(rule, ip string, dir Direction) Command
}

// Backend names accepted by NewBackend.
const (
	BackendNetsh    = "netsh"
	BackendIPTables = "iptables"
)

// NewBackend returns the backend registered under name.
func NewBackend(name string) (Backend, error) {
	switch name {
	case BackendNetsh:
		return Netsh{}, nil
	case BackendIPTables:
		return IPTables{}, nil
	default:
		return nil, fmt.Errorf("firewall: unknown backend %q", name)
	}
}

// Netsh drives Windows Defender Firewall through netsh advfirewall.
type Netsh struct{}

func (Netsh) Name() string { return BackendNetsh }

func (Netsh) Add(rule, ip string, dir Direction) Command {
	return Command{Name: "netsh", Args: []string{
		"advfirewall", "firewall", "add", "rule",
		"name=" + rule,
		"dir=" + string(dir),
		"action=block",
		"remoteip=" + ip,
		"protocol=any",
		"enable=yes",
		"profile=any",
	}}
}

func (Netsh) Delete(rule, _ string, _ Direction) Command {
	return Command{Name: "netsh", Args: []string{
		"advfirewall", "firewall", "delete", "rule", "name=" + rule,
	}}
}

// Check runs "show rule", which exits 1 when no rule matches the name.
func (Netsh) Check(rule, _ string, _ Direction) Command {
	return Command{Name: "netsh", Args: []string{
		"advfirewall", "firewall", "show", "rule", "name=" + rule,
	}}
}

// IPTables drives netfilter through iptables, or ip6tables for IPv6
// addresses. Rules are DROP rules at the head of INPUT (source match) and
// OUTPUT (destination match), tagged with the rule name as a comment.
type IPTables struct{}

func (IPTables) Name() string { return BackendIPTables }

func (t IPTables) Add(rule, ip string, dir Direction) Command {
	return t.command("-I", rule, ip, dir)
}

func (t IPTables) Delete(rule, ip string, dir Direction) Command {
	return t.command("-D", rule, ip, dir)
}

func (t IPTables) Check(rule, ip string, dir Direction) Command {
	return t.command("-C", rule, ip, dir)
}

func (IPTables) command(op, rule, ip string, dir Direction) Command {
	bin := "iptables"
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		bin = "ip6tables"
	}
	chain, match := "INPUT", "-s"
	if dir == Outbound {
		chain, match = "OUTPUT", "-d"
	}
	return Command{Name: bin, Args: []string{
		op, chain,
		match, ip,
		"-m", "comment", "--comment", rule,
		"-j", "DROP",
	}}
}
