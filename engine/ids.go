package engine

import "github.com/google/uuid"

// newRunID mints a fresh run identifier. uuid.NewString panics only on
// entropy source failure, which the teacher's codebase also treats as
// unrecoverable wherever it mints ids.
func newRunID() string {
	return uuid.NewString()
}
