// Package metrics defines the normalized diagnostics snapshot produced by
// observation and the before/after delta the verifier gates on.
package metrics

import (
	"sort"
	"strconv"
	"time"
)

// Severity levels, ordered from most to least severe.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// NormalizeSeverity maps analyzer severity strings onto the four canonical
// levels. Unrecognized values become warnings rather than being dropped.
func NormalizeSeverity(s string) string {
	switch s {
	case SeverityCritical, "fatal", "blocker":
		return SeverityCritical
	case SeverityError, "err", "high":
		return SeverityError
	case SeverityWarning, "warn", "medium":
		return SeverityWarning
	case SeverityInfo, "hint", "note", "low":
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// Diagnostic is a single analyzer finding, normalized across providers.
type Diagnostic struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Source   string `json:"source"`
	Message  string `json:"message,omitempty"`
}

// Key returns the identity of a diagnostic for delta computation. Message
// text is excluded: two findings at the same location from the same rule are
// the same finding even if the analyzer rewords them.
func (d Diagnostic) Key() string {
	return d.File + "\x00" + strconv.Itoa(d.Line) + "\x00" + d.Rule + "\x00" + d.Source
}

// Snapshot is an immutable record of all diagnostics observed at one point
// in time. Diagnostics are kept sorted so identical workspace states produce
// identical snapshots regardless of provider ordering.
type Snapshot struct {
	Timestamp   time.Time    `json:"timestamp"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// NewSnapshot builds a snapshot, normalizing severities and sorting the
// diagnostics by (file, line, rule, source).
func NewSnapshot(ts time.Time, diags []Diagnostic) *Snapshot {
	out := make([]Diagnostic, len(diags))
	copy(out, diags)
	for i := range out {
		out[i].Severity = NormalizeSeverity(out[i].Severity)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		return a.Source < b.Source
	})
	return &Snapshot{Timestamp: ts, Diagnostics: out}
}

// Total returns the number of diagnostics in the snapshot.
func (s *Snapshot) Total() int {
	return len(s.Diagnostics)
}

// CountBySeverity returns diagnostic counts keyed by canonical severity.
func (s *Snapshot) CountBySeverity() map[string]int {
	counts := make(map[string]int, 4)
	for _, d := range s.Diagnostics {
		counts[d.Severity]++
	}
	return counts
}
