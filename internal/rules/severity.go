// Package rules holds the ordered rule tables that classify honeytoken
// access severity and score outbound network connections. Tables are
// evaluated top to bottom; the order is part of their meaning.
package rules

import (
	"path/filepath"
	"strings"
)

// Severity is the classification attached to a honeytoken alert.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// SeverityTier pairs a severity with the filename substrings that select it.
type SeverityTier struct {
	Severity   Severity
	Substrings []string
}

// SeverityTiers is checked in order; the first tier with a matching
// substring wins, so "db_ssh_backup.key" is CRITICAL.
var SeverityTiers = []SeverityTier{
	{SeverityCritical, []string{"aws", "credentials", "password", "secret", "token", "key", "id_rsa", "id_ed25519"}},
	{SeverityHigh, []string{"database", "db_", "mysql", "postgres", "mongodb", "kubeconfig", ".env"}},
	{SeverityMedium, []string{"backup", "config", "ssh", ".pem"}},
}

// ClassifyFile returns the severity for a honeytoken path. Only the base
// name is considered, case-insensitively.
func ClassifyFile(path string) Severity {
	name := strings.ToLower(filepath.Base(path))
	for _, tier := range SeverityTiers {
		for _, s := range tier.Substrings {
			if strings.Contains(name, s) {
				return tier.Severity
			}
		}
	}
	return SeverityLow
}
