package conduit

import (
	"log/slog"
	"sync"
)

// UsageEvent is one token-usage sample recorded after a provider reply.
type UsageEvent struct {
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Timestamp    int64
	CacheHit     bool
}

// UsageSink receives drained usage events. The observer package provides an
// OTEL metrics implementation.
type UsageSink interface {
	Record(ev UsageEvent)
}

// Odometer aggregates usage events. Appends are queued without locking and
// flushed by a background drain goroutine, so recording never blocks the
// pipeline.
type Odometer struct {
	events chan UsageEvent
	sinks  []UsageSink
	logger *slog.Logger

	mu     sync.Mutex
	totals map[string]*UsageTotals // keyed by provider "/" model

	closeOnce sync.Once
	done      chan struct{}
}

// UsageTotals is the running aggregate for one (provider, model) pair.
type UsageTotals struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	CacheHits    int64
}

// NewOdometer starts the drain goroutine. Pass sinks to forward each event
// beyond the in-memory totals; a nil logger discards drop warnings.
func NewOdometer(logger *slog.Logger, sinks ...UsageSink) *Odometer {
	if logger == nil {
		logger = nopLogger
	}
	o := &Odometer{
		events: make(chan UsageEvent, 256),
		sinks:  sinks,
		logger: logger,
		totals: make(map[string]*UsageTotals),
		done:   make(chan struct{}),
	}
	go o.drain()
	return o
}

// Record queues one event. When the queue is full the event is dropped and
// a warning logged, rather than blocking the caller.
func (o *Odometer) Record(ev UsageEvent) {
	select {
	case o.events <- ev:
	default:
		o.logger.Warn("odometer queue full, dropping event",
			"provider", ev.Provider, "model", ev.Model)
	}
}

func (o *Odometer) drain() {
	defer close(o.done)
	for ev := range o.events {
		o.mu.Lock()
		key := ev.Provider + "/" + ev.Model
		t := o.totals[key]
		if t == nil {
			t = &UsageTotals{}
			o.totals[key] = t
		}
		t.Requests++
		t.InputTokens += int64(ev.InputTokens)
		t.OutputTokens += int64(ev.OutputTokens)
		if ev.CacheHit {
			t.CacheHits++
		}
		o.mu.Unlock()
		for _, s := range o.sinks {
			s.Record(ev)
		}
	}
}

// Totals returns a snapshot of the aggregates keyed by "provider/model".
func (o *Odometer) Totals() map[string]UsageTotals {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]UsageTotals, len(o.totals))
	for k, v := range o.totals {
		out[k] = *v
	}
	return out
}

// Close stops accepting events and waits for the drain to finish.
func (o *Odometer) Close() {
	o.closeOnce.Do(func() {
		close(o.events)
		<-o.done
	})
}
