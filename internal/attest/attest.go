// Package attest maintains the tamper-evident record of verified cycle
// outcomes: an append-only JSONL file where each record hashes its payload
// and the previous record's hash. Anyone with read access can re-derive the
// whole chain from the genesis value alone.
package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const genesisInput = "mend-attestation-genesis"

// Record is one link in the attestation chain.
type Record struct {
	Seq         uint64    `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"` // computed with this field empty
}

// Chain is an append-only, hash-linked attestation writer. It resumes the
// chain from the last record on open.
type Chain struct {
	mu       sync.Mutex
	path     string
	seq      uint64
	prevHash string
	clock    func() time.Time
}

// Open opens or creates the chain file at path.
func Open(path string) (*Chain, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create attestation dir: %w", err)
	}

	c := &Chain{path: path, prevHash: GenesisHash(), clock: time.Now}

	records, err := read(path)
	if err != nil {
		return nil, err
	}
	if n := len(records); n > 0 {
		c.seq = records[n-1].Seq
		c.prevHash = records[n-1].Hash
	}
	return c, nil
}

// WithClock overrides the chain's clock for tests.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// Append hashes the payload, links it to the previous record, and writes the
// new record. The payload itself is not stored here; the ledger holds it,
// the chain only proves it was not altered afterwards.
func (c *Chain) Append(payload any) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal attestation payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	rec := Record{
		Seq:         c.seq,
		CreatedAt:   c.clock().UTC(),
		PayloadHash: hashBytes(data),
		PrevHash:    c.prevHash,
	}
	rec.Hash = computeHash(rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal attestation record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return Record{}, fmt.Errorf("open attestation chain: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return Record{}, fmt.Errorf("append attestation record: %w", err)
	}

	c.prevHash = rec.Hash
	return rec, nil
}

// Path returns the chain file path.
func (c *Chain) Path() string { return c.path }

// GenesisHash is the fixed anchor the first record links to.
func GenesisHash() string {
	return hashBytes([]byte(genesisInput))
}

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func computeHash(r Record) string {
	r.Hash = ""
	data, _ := json.Marshal(r)
	return hashBytes(data)
}

func read(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read attestation chain: %w", err)
	}

	var records []Record
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var rec Record
				if err := json.Unmarshal(data[start:i], &rec); err != nil {
					return nil, fmt.Errorf("attestation line %d: %w", len(records)+1, err)
				}
				records = append(records, rec)
			}
			start = i + 1
		}
	}
	return records, nil
}
