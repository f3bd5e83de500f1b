package conduit

import (
	"sync"
	"testing"
)

type collectSink struct {
	mu     sync.Mutex
	events []UsageEvent
}

func (s *collectSink) Record(ev UsageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func TestOdometerAggregates(t *testing.T) {
	sink := &collectSink{}
	o := NewOdometer(nil, sink)
	o.Record(UsageEvent{Provider: "openai", Model: "gpt-4o", InputTokens: 10, OutputTokens: 5})
	o.Record(UsageEvent{Provider: "openai", Model: "gpt-4o", InputTokens: 20, OutputTokens: 10, CacheHit: true})
	o.Record(UsageEvent{Provider: "anthropic", Model: "claude-sonnet-4-0", InputTokens: 1, OutputTokens: 1})
	o.Close()

	totals := o.Totals()
	gpt := totals["openai/gpt-4o"]
	if gpt.Requests != 2 || gpt.InputTokens != 30 || gpt.OutputTokens != 15 || gpt.CacheHits != 1 {
		t.Errorf("gpt-4o totals = %+v", gpt)
	}
	if totals["anthropic/claude-sonnet-4-0"].Requests != 1 {
		t.Errorf("anthropic totals = %+v", totals["anthropic/claude-sonnet-4-0"])
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 3 {
		t.Errorf("sink saw %d events, want 3", len(sink.events))
	}
}

func TestOdometerCloseIdempotent(t *testing.T) {
	o := NewOdometer(nil)
	o.Record(UsageEvent{Provider: "p", Model: "m", InputTokens: 1})
	o.Close()
	o.Close() // must not panic
	if o.Totals()["p/m"].Requests != 1 {
		t.Error("event lost before close")
	}
}
