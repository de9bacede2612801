package scanner

import (
	"context"
	"time"

	"github.com/yourorg/darkstar/internal/model"
)

// Scanner is implemented once per integrated tool. Implementations return
// data only; they never touch storage or shared state.
type Scanner interface {
	Name() string
	// Conflicts names the exclusion groups this scanner belongs to. Two jobs
	// on the same target sharing a group never run at the same time.
	Conflicts() []string
	Prepare(t model.Target, opts model.Options) (*Plan, error)
	// Execute runs the plan until it finishes or ctx is done. On deadline it
	// returns the records gathered so far with an error wrapping
	// ErrScannerTimeout.
	Execute(ctx context.Context, plan *Plan) ([]model.RawFinding, error)
	// Parse turns one record into a finding. A nil finding with a nil error
	// means the record is noise and is dropped.
	Parse(raw model.RawFinding) (*model.Finding, error)
}

// Bruteforcer marks scanners that are only scheduled when bruteforce is
// enabled and that carry a hard wall-clock limit of their own.
type Bruteforcer interface {
	HardTimeout(opts model.Options) time.Duration
}

// Plan is the prepared invocation for one target.
type Plan struct {
	Scanner string
	Target  model.Target
	Mode    model.Mode
	Command string
	Args    []string
	Timeout time.Duration
	// Skip is set when the scanner does not apply to the target. The job
	// completes with no findings and Skip as its note.
	Skip string
}

func newRaw(plan *Plan, kind string, payload []byte) model.RawFinding {
	return model.RawFinding{
		Scanner:   plan.Scanner,
		Target:    plan.Target.Value,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
