package cycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Phase names as recorded in the ledger.
const (
	PhaseObserve = "observe"
	PhaseDecide  = "decide"
	PhaseAct     = "act"
	PhaseVerify  = "verify"
	PhaseLearn   = "learn"
)

// PhaseRecord captures the timing and outcome of a single phase.
type PhaseRecord struct {
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// SnapshotRef points at a persisted metrics snapshot.
type SnapshotRef struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// DecisionRecord is the decided action as recorded in the ledger.
type DecisionRecord struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
}

// ActRecord is the applied mutation as recorded in the ledger.
type ActRecord struct {
	AppliedFiles  []string `json:"applied_files"`
	SnapshotID    string   `json:"snapshot_id"`
	TestsRequired bool     `json:"tests_required,omitempty"`
}

// VerifyRecord is the verification outcome as recorded in the ledger.
type VerifyRecord struct {
	Passed      bool     `json:"passed"`
	FailedGates []string `json:"failed_gates,omitempty"`
	New         int      `json:"new"`
	Resolved    int      `json:"resolved"`
}

// LedgerEntry is the full record of one run. The orchestrator rewrites
// it after every phase, so a crash at any point leaves a parseable
// entry covering everything that completed.
type LedgerEntry struct {
	RunID          string                 `json:"run_id"`
	Workspace      string                 `json:"workspace"`
	State          string                 `json:"state"`
	Started        time.Time              `json:"started"`
	Phases         map[string]PhaseRecord `json:"phases"`
	BeforeSnapshot *SnapshotRef           `json:"before_snapshot,omitempty"`
	AfterSnapshot  *SnapshotRef           `json:"after_snapshot,omitempty"`
	Decision       *DecisionRecord        `json:"decision,omitempty"`
	Act            *ActRecord             `json:"act,omitempty"`
	Verify         *VerifyRecord          `json:"verify,omitempty"`
	AttestationSeq *uint64                `json:"attestation_seq,omitempty"`
}

// Ledger persists one JSON file per run under a directory.
type Ledger struct {
	dir string
}

// NewLedger returns a ledger rooted at dir. The directory is created on
// first write.
func NewLedger(dir string) *Ledger {
	return &Ledger{dir: dir}
}

// Write persists the entry, replacing any previous version for the same
// run. The file lands via rename so a crash mid-write never leaves a
// torn entry.
func (l *Ledger) Write(e *LedgerEntry) error {
	if e.RunID == "" {
		return fmt.Errorf("write ledger entry: empty run id")
	}
	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	tmp := l.path(e.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write ledger entry: %w", err)
	}
	if err := os.Rename(tmp, l.path(e.RunID)); err != nil {
		return fmt.Errorf("write ledger entry: %w", err)
	}
	return nil
}

// Load reads the entry for a run id.
func (l *Ledger) Load(runID string) (*LedgerEntry, error) {
	data, err := os.ReadFile(l.path(runID))
	if err != nil {
		return nil, fmt.Errorf("read ledger entry %s: %w", runID, err)
	}
	var e LedgerEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse ledger entry %s: %w", runID, err)
	}
	return &e, nil
}

// Tail returns up to n entries, newest first. A missing ledger
// directory yields an empty slice.
func (l *Ledger) Tail(n int) ([]LedgerEntry, error) {
	dirents, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger dir: %w", err)
	}

	var entries []LedgerEntry
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		e, err := l.Load(strings.TrimSuffix(d.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Started.After(entries[j].Started)
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (l *Ledger) path(runID string) string {
	return filepath.Join(l.dir, runID+".json")
}
