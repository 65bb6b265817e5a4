// Package audit emits fire-and-forget audit events for proxy decisions.
// Recording never blocks the request path: events go through a bounded
// queue and are dropped (with a counter) when the consumer falls behind.
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanegate/lanegate/internal/logging"
)

// Event is one audit record.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Action     string            `json:"action"`
	Outcome    string            `json:"outcome"`
	TargetType string            `json:"targetType"`
	TargetID   string            `json:"targetId"`
	Details    map[string]string `json:"details,omitempty"`
}

// Actions and outcomes used by the proxy pipeline.
const (
	ActionProxyRequest = "proxy.request"

	OutcomeAllowed = "allowed"
	OutcomeBlocked = "blocked"
	OutcomeError   = "error"
)

// Emitter delivers drained events to their destination.
type Emitter interface {
	Emit(Event)
}

// Sink queues events and drains them on a background goroutine.
type Sink struct {
	emitter Emitter
	queue   chan Event
	dropped atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSink creates a sink with the given queue depth and starts its drain
// loop. A depth of zero or less defaults to 1024.
func NewSink(emitter Emitter, depth int) *Sink {
	if depth <= 0 {
		depth = 1024
	}
	s := &Sink{
		emitter: emitter,
		queue:   make(chan Event, depth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.drainLoop()
	return s
}

// Record enqueues an event without blocking. When the queue is full the
// event is dropped and counted.
func (s *Sink) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the queue was
// full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains remaining queued events and stops the loop.
func (s *Sink) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Sink) drainLoop() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.queue:
			s.emitter.Emit(ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.queue:
					s.emitter.Emit(ev)
				default:
					if n := s.dropped.Load(); n > 0 {
						logging.Warn("audit events dropped", zap.Int64("count", n))
					}
					return
				}
			}
		}
	}
}

// LogEmitter writes audit events to the structured log.
type LogEmitter struct{}

func (LogEmitter) Emit(ev Event) {
	fields := []zap.Field{
		zap.String("audit_id", ev.ID),
		zap.Time("ts", ev.Timestamp),
		zap.String("action", ev.Action),
		zap.String("outcome", ev.Outcome),
		zap.String("target_type", ev.TargetType),
		zap.String("target_id", ev.TargetID),
	}
	for k, v := range ev.Details {
		fields = append(fields, zap.String("detail_"+k, v))
	}
	logging.Info("audit", fields...)
}
