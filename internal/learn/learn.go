// Package learn feeds verification verdicts back into the trust store. This
// is the engine's entire learning mechanism: a bounded moving-average step
// per verdict, auditable and reproducible by hand.
package learn

import (
	"log/slog"

	"github.com/mend-engine/mend/internal/decide"
	"github.com/mend-engine/mend/internal/trust"
)

// Outcome reports what a Learn call did to the trust store.
type Outcome struct {
	ActionID string       `json:"action_id"`
	Updated  bool         `json:"updated"`
	Record   trust.Record `json:"record,omitempty"`
}

// Learn applies the verdict for actionID. A noop decision updates nothing.
// The store is mutated in memory; the caller persists it.
func Learn(store *trust.Store, actionID string, passed bool) Outcome {
	if actionID == "" || actionID == decide.Noop {
		return Outcome{ActionID: decide.Noop}
	}

	var rec trust.Record
	if passed {
		rec = store.RecordPass(actionID)
	} else {
		rec = store.RecordFail(actionID)
	}

	slog.Info("trust updated",
		"action", actionID,
		"passed", passed,
		"score", rec.Score,
		"consecutive_failures", rec.ConsecutiveFailures,
		"blacklisted", rec.Blacklisted)

	return Outcome{ActionID: actionID, Updated: true, Record: rec}
}
