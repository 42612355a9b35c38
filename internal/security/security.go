// Package security defines the shared grading vocabulary of the enforcement
// pipeline: the severity scale used by sanitizer findings, validator issues,
// and aggregate risk levels.
package security

import (
	"encoding/json"
	"fmt"
)

// Severity grades how dangerous a finding or command is.
type Severity int

const (
	SeverityLow      Severity = iota // No issues found, or informational only.
	SeverityMedium                   // Worth surfacing, never blocks on its own.
	SeverityHigh                     // Raises aggregate risk, blocks only in combination.
	SeverityCritical                 // Always blocks the operation.
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a string to a Severity.
// Unrecognized values default to SeverityCritical (default-deny principle).
func ParseSeverity(s string) Severity {
	switch s {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityCritical
	}
}

// MarshalJSON encodes the severity as its string form so results are
// readable on the wire and in the audit log.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("severity must be a string: %w", err)
	}
	*s = ParseSeverity(str)
	return nil
}

// MarshalYAML mirrors MarshalJSON for pattern-pack files.
func (s Severity) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s *Severity) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("severity must be a string: %w", err)
	}
	*s = ParseSeverity(str)
	return nil
}

// Max returns the higher of two severities.
func Max(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}
