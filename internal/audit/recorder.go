package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"access-service/internal/models"
	"access-service/internal/util"
)

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Write(ctx context.Context, event *models.AuditEvent) error
}

// Querier reads back recorded events, newest first.
type Querier interface {
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error)
}

// Searcher runs a free-text query over recorded events.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]*models.AuditEvent, error)
}

// Recorder fans each event out to every sink in the background. A failing
// sink is logged and never affects the caller or the other sinks.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewRecorder(timeout time.Duration, sinks ...Sink) *Recorder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Recorder{sinks: sinks, timeout: timeout}
}

// Record stamps the event with an id and time when missing and dispatches it.
func (r *Recorder) Record(event models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if len(r.sinks) == 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		var sinks sync.WaitGroup
		for _, sink := range r.sinks {
			sinks.Add(1)
			go func() {
				defer sinks.Done()
				if err := sink.Write(ctx, &event); err != nil {
					util.Warn("Audit sink write failed",
						zap.String("sink", sink.Name()),
						zap.String("action", event.Action),
						zap.String("event_id", event.ID),
						zap.Error(err))
				}
			}()
		}
		sinks.Wait()
	}()
}

// Wait blocks until every dispatched event has been handled.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Sinks lists the configured sink names.
func (r *Recorder) Sinks() []string {
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	return names
}
