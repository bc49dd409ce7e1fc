// Package decide selects at most one corrective action per cycle. Decide is
// a pure function of the snapshot, the trust store, and the catalog: no side
// effects, same inputs, same answer.
package decide

import (
	"fmt"

	"github.com/mend-engine/mend/internal/catalog"
	"github.com/mend-engine/mend/internal/metrics"
	"github.com/mend-engine/mend/internal/trust"
)

// Noop is the action id of a cycle that should change nothing.
const Noop = "noop"

// Decision is the outcome of the decide phase.
type Decision struct {
	ActionID string  `json:"action_id"`
	Reason   string  `json:"reason"`
	Score    float64 `json:"score,omitempty"`
}

// IsNoop reports whether the decision selects no action.
func (d Decision) IsNoop() bool { return d.ActionID == Noop }

// TrustView is the read side of the trust store.
type TrustView interface {
	Get(id string) trust.Record
}

// Decide filters the catalog to actions applicable to the snapshot and
// eligible by trust, then picks the highest-scoring one. Ties break toward
// the lexicographically lowest id so the choice is deterministic.
// Approval-gated actions are never auto-selected.
func Decide(snap *metrics.Snapshot, trustStore TrustView, cat *catalog.Catalog) Decision {
	if snap.Total() == 0 {
		return Decision{ActionID: Noop, Reason: "workspace is clean"}
	}

	var (
		best      catalog.Action
		bestScore float64
		found     bool
	)
	for _, a := range cat.All() { // sorted by id: first strict max wins ties
		if !a.AppliesTo.Matches(snap) {
			continue
		}
		if a.Safeguards.RequiresManualApproval {
			continue
		}
		rec := trustStore.Get(a.ID)
		if !rec.Eligible() {
			continue
		}
		if !found || rec.Score > bestScore {
			best = a
			bestScore = rec.Score
			found = true
		}
	}

	if !found {
		return Decision{ActionID: Noop, Reason: "no applicable or trusted action"}
	}
	return Decision{
		ActionID: best.ID,
		Reason:   fmt.Sprintf("highest trust score %.3f among applicable actions", bestScore),
		Score:    bestScore,
	}
}
