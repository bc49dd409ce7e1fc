package attest

import (
	"fmt"
)

// ValidationResult reports chain integrity. BrokenAt is the zero-based index
// of the first record that fails validation, or -1 when the chain is valid.
type ValidationResult struct {
	Valid    bool
	Length   int
	BrokenAt int
	Reason   string
}

// Validate re-derives the full chain at path from the genesis value, failing
// at the first record whose sequence, back-link, or hash does not match.
// An empty or absent chain is valid.
func Validate(path string) (ValidationResult, error) {
	records, err := read(path)
	if err != nil {
		return ValidationResult{}, err
	}
	return ValidateRecords(records), nil
}

// ValidateRecords checks an in-memory chain.
func ValidateRecords(records []Record) ValidationResult {
	expectedPrev := GenesisHash()
	var prevSeq uint64

	for i, rec := range records {
		if rec.Seq != prevSeq+1 {
			return broken(i, len(records), fmt.Sprintf("sequence gap: expected %d, got %d", prevSeq+1, rec.Seq))
		}
		if rec.PrevHash != expectedPrev {
			return broken(i, len(records), "prev_hash does not match the preceding record")
		}
		if computeHash(rec) != rec.Hash {
			return broken(i, len(records), "record hash does not match its content")
		}
		expectedPrev = rec.Hash
		prevSeq = rec.Seq
	}
	return ValidationResult{Valid: true, Length: len(records), BrokenAt: -1}
}

// Tail returns the last n records of the chain.
func Tail(path string, n int) ([]Record, error) {
	records, err := read(path)
	if err != nil {
		return nil, err
	}
	if n < len(records) {
		records = records[len(records)-n:]
	}
	return records, nil
}

func broken(i, length int, reason string) ValidationResult {
	return ValidationResult{Valid: false, Length: length, BrokenAt: i, Reason: reason}
}
