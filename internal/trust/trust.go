// Package trust tracks per-action confidence. Scores live in [0,1], move by
// a bounded exponential-moving-average step, and an action that fails three
// cycles in a row is blacklisted until an operator resets it.
package trust

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Alpha is the EMA step: s' = s + (1-s)*Alpha on success,
// s' = s - s*Alpha on failure.
const Alpha = 0.2

// InitialScore is assigned the first time an action id is referenced.
const InitialScore = 0.5

// MinEligibleScore is the floor below which an action is never selected,
// even when it is not formally blacklisted.
const MinEligibleScore = 0.2

// BlacklistThreshold is the consecutive-failure count that blacklists an
// action.
const BlacklistThreshold = 3

// Record is the trust state for one action id.
type Record struct {
	Score               float64 `json:"score"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Blacklisted         bool    `json:"blacklisted"`
}

// Eligible reports whether an action with this record may be selected.
func (r Record) Eligible() bool {
	return !r.Blacklisted && r.Score >= MinEligibleScore
}

// Store is the persistent id → Record mapping. It is read by the decision
// engine and written only by the learner (and operator seed/reset commands).
type Store struct {
	path    string
	records map[string]Record
}

// Load reads the trust store from path. A missing file is an empty store.
func Load(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read trust store: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse trust store %s: %w", path, err)
	}
	return s, nil
}

// NewMemory returns an unpersisted store for tests.
func NewMemory() *Store {
	return &Store{records: make(map[string]Record)}
}

// Get returns the record for id, materializing a fresh one at InitialScore
// when the id has never been seen. Materialized records are not persisted
// until the store is next saved.
func (s *Store) Get(id string) Record {
	if r, ok := s.records[id]; ok {
		return r
	}
	return Record{Score: InitialScore}
}

// Set replaces the record for id. The blacklist invariant is enforced here:
// blacklisted is true exactly when the failure streak has reached the
// threshold.
func (s *Store) Set(id string, r Record) {
	r.Score = clamp01(r.Score)
	r.Blacklisted = r.ConsecutiveFailures >= BlacklistThreshold
	s.records[id] = r
}

// RecordPass applies a successful verification to id and returns the new
// record. A blacklisted action stays blacklisted: only an operator reset
// clears it, so a pass leaves the record untouched.
func (s *Store) RecordPass(id string) Record {
	r := s.Get(id)
	if r.Blacklisted {
		return r
	}
	r.Score = clamp01(r.Score + (1-r.Score)*Alpha)
	r.ConsecutiveFailures = 0
	s.Set(id, r)
	return s.records[id]
}

// RecordFail applies a failed verification to id and returns the new record.
func (s *Store) RecordFail(id string) Record {
	r := s.Get(id)
	r.Score = clamp01(r.Score - r.Score*Alpha)
	r.ConsecutiveFailures++
	s.Set(id, r)
	return s.records[id]
}

// Seed sets an explicit initial score for id, clearing any failure streak.
func (s *Store) Seed(id string, score float64) Record {
	s.Set(id, Record{Score: score})
	return s.records[id]
}

// Reset clears the blacklist and failure streak for id and restores the
// initial score. Returns false if the id has no record.
func (s *Store) Reset(id string) bool {
	if _, ok := s.records[id]; !ok {
		return false
	}
	s.Set(id, Record{Score: InitialScore})
	return true
}

// IDs returns all recorded action ids, sorted.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Save writes the store back to its file. A memory-only store saves to
// nowhere and succeeds.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create trust dir: %w", err)
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trust store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write trust store: %w", err)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
