package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key or aggregate has no record.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a malformed event or an ordering violation.
// Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// ConsentRequiredError is returned when a PII-bearing operation has no
// granted, unrevoked consent for the subject and purpose. No partial write
// occurs.
type ConsentRequiredError struct {
	SubjectID string
	Purpose   string
}

func (e *ConsentRequiredError) Error() string {
	return fmt.Sprintf("consent required for subject %q purpose %q", e.SubjectID, e.Purpose)
}

// DegradedWriteError reports that the event is durable in the log but the
// tier write failed after retries. The log remains ground truth and a
// reconciliation pass rebuilds the tier, so this is a flagged warning, not a
// hard failure.
type DegradedWriteError struct {
	Key  string
	Tier string
	Err  error
}

func (e *DegradedWriteError) Error() string {
	return fmt.Sprintf("degraded write for %q: tier %s failed: %v (event is durable)", e.Key, e.Tier, e.Err)
}

func (e *DegradedWriteError) Unwrap() error { return e.Err }
