package metrics

// Delta summarizes how diagnostics changed between two snapshots.
type Delta struct {
	NewDiagnostics      []Diagnostic   `json:"new_diagnostics,omitempty"`
	ResolvedDiagnostics []Diagnostic   `json:"resolved_diagnostics,omitempty"`
	BeforeBySeverity    map[string]int `json:"before_by_severity"`
	AfterBySeverity     map[string]int `json:"after_by_severity"`
	BeforeTotal         int            `json:"before_total"`
	AfterTotal          int            `json:"after_total"`
}

// Diff computes the delta from before to after. A diagnostic counts as new
// when its identity key is absent from before, and resolved when its key is
// absent from after.
func Diff(before, after *Snapshot) Delta {
	beforeKeys := make(map[string]int, len(before.Diagnostics))
	for _, d := range before.Diagnostics {
		beforeKeys[d.Key()]++
	}
	afterKeys := make(map[string]int, len(after.Diagnostics))
	for _, d := range after.Diagnostics {
		afterKeys[d.Key()]++
	}

	delta := Delta{
		BeforeBySeverity: before.CountBySeverity(),
		AfterBySeverity:  after.CountBySeverity(),
		BeforeTotal:      before.Total(),
		AfterTotal:       after.Total(),
	}

	for _, d := range after.Diagnostics {
		if beforeKeys[d.Key()] == 0 {
			delta.NewDiagnostics = append(delta.NewDiagnostics, d)
		}
	}
	for _, d := range before.Diagnostics {
		if afterKeys[d.Key()] == 0 {
			delta.ResolvedDiagnostics = append(delta.ResolvedDiagnostics, d)
		}
	}
	return delta
}

// NewBySeverity returns the count of newly introduced diagnostics at the
// given severity.
func (d Delta) NewBySeverity(severity string) int {
	n := 0
	for _, diag := range d.NewDiagnostics {
		if diag.Severity == severity {
			n++
		}
	}
	return n
}

// Net returns the change in total diagnostic count (positive = regression).
func (d Delta) Net() int {
	return d.AfterTotal - d.BeforeTotal
}
