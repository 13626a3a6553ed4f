// Package audit records file-tree activity asynchronously.
//
// Record never blocks the caller: events go into a bounded queue and are
// dropped (and counted) when it is full. A single worker drains the queue
// into every configured sink.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metrics"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Event is one audited action.
type Event struct {
	Action     string         `json:"action"`
	ResourceID string         `json:"resource_id"`
	OwnerID    string         `json:"owner_id"`
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Time       time.Time      `json:"time"`
}

// Sink delivers events somewhere durable.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}

// Recorder queues events and fans them out to sinks.
type Recorder struct {
	queue  chan Event
	sinks  []Sink
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewRecorder creates a recorder with a queue of queueSize events.
func NewRecorder(queueSize int, sinks ...Sink) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		queue:  make(chan Event, queueSize),
		sinks:  sinks,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.Named("audit"),
	}
}

// Start launches the delivery worker.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
	r.log.Info("audit recorder started", zap.Int("sinks", len(r.sinks)))
}

// Stop delivers what is already queued and waits for the worker to exit.
func (r *Recorder) Stop() {
	r.cancel()
	r.wg.Wait()
	r.log.Info("audit recorder stopped")
}

// Record enqueues e. It never blocks; a full queue drops the event.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	select {
	case r.queue <- e:
		metrics.RecordAuditEvent("queued")
	default:
		metrics.RecordAuditEvent("dropped")
		r.log.Warn("audit queue full, event dropped",
			zap.String("action", e.Action), zap.String("resource_id", e.ResourceID))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.deliver(e)
		case <-r.ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Write(ctx, e); err != nil {
			metrics.RecordAuditEvent("failed")
			r.log.Warn("audit sink write failed",
				zap.String("sink", s.Name()), zap.String("action", e.Action), zap.Error(err))
			continue
		}
		metrics.RecordAuditEvent("delivered")
	}
}
