package worker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yourorg/darkstar/internal/model"
)

// JobRecorder persists job transitions.
type JobRecorder interface {
	RecordJob(ctx context.Context, ev model.JobEvent) error
}

// eventSink writes job events to the request log in the background, in
// emission order. emit blocks only once the buffer is full.
type eventSink struct {
	rec  JobRecorder
	ch   chan model.JobEvent
	wg   sync.WaitGroup
	once sync.Once
}

func newEventSink(rec JobRecorder, buffer int) *eventSink {
	s := &eventSink{rec: rec, ch: make(chan model.JobEvent, buffer)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range s.ch {
			if s.rec == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.rec.RecordJob(ctx, ev); err != nil {
				log.WithFields(log.Fields{"request": ev.RequestID, "job": ev.JobID}).Warnf("record job event %s: %v", ev.State, err)
			}
			cancel()
		}
	}()
	return s
}

func (s *eventSink) emit(ev model.JobEvent) {
	log.WithFields(log.Fields{
		"request": ev.RequestID,
		"job":     ev.JobID,
		"scanner": ev.Scanner,
		"target":  ev.Target,
	}).Debugf("job %s %s", ev.State, ev.Detail)
	s.ch <- ev
}

// Close flushes pending events and stops the writer.
func (s *eventSink) Close() {
	s.once.Do(func() {
		close(s.ch)
		s.wg.Wait()
	})
}
