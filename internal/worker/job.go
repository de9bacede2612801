package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/darkstar/internal/model"
	"github.com/yourorg/darkstar/internal/scanner"
)

// Job is one scanner run against one target. Only the orchestrator moves it
// between states, and only along Pending -> Running -> terminal.
type Job struct {
	ID        string
	RequestID string
	Target    model.Target
	Scanner   scanner.Scanner

	mu         sync.Mutex
	state      model.JobState
	history    []model.JobState
	cause      string
	note       string
	startedAt  time.Time
	finishedAt time.Time
	raws       []model.RawFinding
	findings   []model.Finding

	emit func(model.JobEvent)
}

func newJob(requestID string, t model.Target, sc scanner.Scanner, emit func(model.JobEvent)) *Job {
	j := &Job{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Target:    t,
		Scanner:   sc,
		state:     model.JobPending,
		history:   []model.JobState{model.JobPending},
		emit:      emit,
	}
	j.event(model.JobPending, "")
	return j
}

func (j *Job) State() model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// transition moves the job to `to`, stamping times and emitting an event.
func (j *Job) transition(to model.JobState, detail string) error {
	j.mu.Lock()
	from := j.state
	if !from.CanTransition(to) {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := time.Now().UTC()
	j.state = to
	j.history = append(j.history, to)
	switch {
	case to == model.JobRunning:
		j.startedAt = now
	case to.Terminal():
		j.finishedAt = now
		if to == model.JobFailed || to == model.JobTimedOut {
			j.cause = detail
		} else if detail != "" {
			j.note = detail
		}
	}
	j.mu.Unlock()
	j.event(to, detail)
	return nil
}

func (j *Job) event(state model.JobState, detail string) {
	if j.emit == nil {
		return
	}
	j.emit(model.JobEvent{
		RequestID: j.RequestID,
		JobID:     j.ID,
		Scanner:   j.Scanner.Name(),
		Target:    j.Target.Value,
		State:     state,
		Detail:    detail,
		TS:        time.Now().UTC(),
	})
}

func (j *Job) setResults(raws []model.RawFinding, findings []model.Finding, note string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.raws = raws
	j.findings = findings
	if note != "" {
		if j.note != "" {
			j.note += "; "
		}
		j.note += note
	}
}

func (j *Job) Findings() []model.Finding {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.Finding(nil), j.findings...)
}

func (j *Job) Status() model.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := model.JobStatus{
		JobID:        j.ID,
		Scanner:      j.Scanner.Name(),
		Target:       j.Target.Value,
		State:        j.state,
		Cause:        j.cause,
		Note:         j.note,
		StartedAt:    j.startedAt,
		FinishedAt:   j.finishedAt,
		FindingCount: len(j.findings),
		History:      append([]model.JobState(nil), j.history...),
	}
	if !j.startedAt.IsZero() && !j.finishedAt.IsZero() {
		st.DurationMS = j.finishedAt.Sub(j.startedAt).Milliseconds()
	}
	return st
}
