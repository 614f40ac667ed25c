package app

import "time"

// Operation identifies one CLI invocation. Its ID tags every log line the
// invocation writes, so a server run or a single command can be grepped out
// of sheetvault.log.
type Operation struct {
	ID        string
	Name      string
	StartedAt time.Time
	Status    string // "running", "success" or "error"
	Err       error
}

// NewOperation starts an operation named after the CLI command.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		ID:        now.UTC().Format("20060102T150405Z"),
		Name:      name,
		StartedAt: now,
		Status:    "running",
	}
}

// Finish records the outcome. Only the first call counts.
func (op *Operation) Finish(err error) {
	if op.Finished() {
		return
	}
	op.Status = "success"
	if err != nil {
		op.Status = "error"
		op.Err = err
	}
}

// Finished returns true once Finish has been called.
func (op *Operation) Finished() bool {
	return op.Status != "running"
}
