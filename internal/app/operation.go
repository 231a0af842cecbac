package app

import (
	"time"

	"github.com/google/uuid"
)

// Operation identifies one CLI invocation. Its ID tags every log line the
// invocation writes, so interleaved runs can be told apart in chunkfs.log.
type Operation struct {
	ID      string
	Command string
	Started time.Time
	Status  string // "success" or "error"
}

// NewOperation starts tracking a command. IDs are UUIDv7, so they sort by
// start time.
func NewOperation(command string, now time.Time) *Operation {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Operation{
		ID:      id.String(),
		Command: command,
		Started: now,
		Status:  "success",
	}
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = "error"
}

// Failed returns true if Fail was called.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}

// Elapsed returns the time since the operation started.
func (op *Operation) Elapsed(now time.Time) time.Duration {
	return now.Sub(op.Started)
}
