// Package eventsink fans out per-request telemetry records emitted by the
// pipeline to optional observers (the embedding host's dashboard, log
// exporters, test harnesses) without ever blocking request handling.
package eventsink

import (
	"log/slog"

	"github.com/dskow/premier-gateway/internal/metrics"
)

// Event is the per-request telemetry record emitted at the end of the
// pipeline, carrying everything an observer needs to reconstruct what
// happened without re-deriving it from logs.
type Event struct {
	Path           string  `json:"path"`
	MatchedPattern string  `json:"matched_pattern"`
	Status         int     `json:"status"`
	LatencyMS      float64 `json:"latency_ms"`
	CacheHit       bool    `json:"cache_hit"`
	Throttled      bool    `json:"throttled"`
	RetriedN       int     `json:"retried_n"`
	TimedOut       bool    `json:"timed_out"`
	CircuitState   string  `json:"circuit_state"`
}

// Observer receives a copy of every emitted Event. Implementations must
// not block — Sink.Emit enqueues onto a per-observer buffered channel and
// drops the event rather than wait when that channel is full.
type Observer interface {
	Name() string
	Observe(Event)
}

// Sink is a non-blocking multi-observer fan-out. Each registered observer
// gets its own goroutine draining its own buffered channel, so one slow
// observer cannot stall another or the emitting request.
type Sink struct {
	queues []chan Event
	names  []string
	logger *slog.Logger
}

const queueDepth = 256

// New builds a Sink that dispatches to observers, starting one drain
// goroutine per observer. Call Stop to release them.
func New(logger *slog.Logger, observers ...Observer) *Sink {
	s := &Sink{logger: logger}
	for _, obs := range observers {
		q := make(chan Event, queueDepth)
		s.queues = append(s.queues, q)
		s.names = append(s.names, obs.Name())
		go drain(obs, q)
	}
	return s
}

func drain(obs Observer, q chan Event) {
	for ev := range q {
		obs.Observe(ev)
	}
}

// Emit enqueues ev to every observer's queue, dropping and counting the
// drop via metrics for any observer whose queue is currently full.
func (s *Sink) Emit(ev Event) {
	for i, q := range s.queues {
		select {
		case q <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(s.names[i]).Inc()
		}
	}
}

// Stop closes every observer's queue; each drain goroutine delivers what
// is left and then exits (close ends its range loop once the channel
// empties). Stop does not wait for them.
func (s *Sink) Stop() {
	for _, q := range s.queues {
		close(q)
	}
}
