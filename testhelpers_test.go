package conduit

import (
	"context"
	"sync"
)

// testManifest is a tiny model catalog for pipeline tests.
const testManifest = `
[[provider]]
name = "testprov"
models = ["test-model", "shared-model"]

[provider.aliases]
tm = "test-model"

[provider.context_windows]
test-model = 8192

[provider.capabilities]
test-model = ["tools", "structured"]

[[provider]]
name = "otherprov"
models = ["other-model", "shared-model"]

[[provider]]
name = "ollama"
models = ["local-model"]

[provider.context_windows]
local-model = 32768
`

func testRegistry(t interface{ Fatal(...any) }) *ModelRegistry {
	r, err := NewModelRegistryFrom([]byte(testManifest))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// scriptedAdapter returns canned responses (or errors) in order, recording
// every request it saw. The last script entry repeats once exhausted.
type scriptedAdapter struct {
	mu     sync.Mutex
	name   string
	script []scriptStep
	idx    int
	seen   []*GenerationRequest
}

type scriptStep struct {
	resp *GenerationResponse
	err  error
}

func respondWith(text string) scriptStep {
	return scriptStep{resp: &GenerationResponse{
		Message:  NewAssistantMessage(text),
		Metadata: ResponseMetadata{ModelSlug: "test-model", InputTokens: 7, OutputTokens: 3, StopReason: StopReasonStop},
	}}
}

func (a *scriptedAdapter) Name() string {
	if a.name != "" {
		return a.name
	}
	return "testprov"
}

func (a *scriptedAdapter) next(req *GenerationRequest) scriptStep {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, req)
	if len(a.script) == 0 {
		return respondWith("unscripted")
	}
	step := a.script[a.idx]
	if a.idx < len(a.script)-1 {
		a.idx++
	}
	return step
}

func (a *scriptedAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func (a *scriptedAdapter) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	step := a.next(req)
	if step.err != nil {
		return nil, step.err
	}
	// fresh identity per call, like a real adapter
	msg := *step.resp.Message
	msg.MessageMeta = newMeta()
	return &GenerationResponse{Message: &msg, Metadata: step.resp.Metadata}, nil
}

func (a *scriptedAdapter) Stream(ctx context.Context, req *GenerationRequest) (*StreamHandle, error) {
	step := a.next(req)
	if step.err != nil {
		return nil, step.err
	}
	h := NewStreamHandle(nil)
	go func() {
		for _, word := range []string{step.resp.Message.Content} {
			h.Emit(StreamChunk{Text: word})
		}
		msg := *step.resp.Message
		msg.MessageMeta = newMeta()
		h.Finish(&GenerationResponse{Message: &msg, Metadata: step.resp.Metadata}, nil)
	}()
	return h, nil
}

func factoryFor(a Adapter) AdapterFactory {
	return func(provider, model string) (Adapter, error) { return a, nil }
}

// memCache is an in-memory CacheHandle.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	sets    int
}

func newMemCache() *memCache { return &memCache{entries: make(map[string][]byte)} }

func (c *memCache) Get(ctx context.Context, key string) (*GenerationResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	data, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return DecodeResponse(data)
}

func (c *memCache) Set(ctx context.Context, key string, resp *GenerationResponse) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[key] = data
	return nil
}

func (c *memCache) Wipe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
	return nil
}

func (c *memCache) Stats(ctx context.Context) (CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: int64(len(c.entries))}, nil
}

// memRepository is an in-memory RepositoryHandle.
type memRepository struct {
	mu       sync.Mutex
	sessions map[string]*sessionSnapshot
	saves    int
}

type sessionSnapshot struct {
	id        string
	createdAt int64
	leaf      string
	title     string
	messages  map[string][]byte // encoded, keyed by message id
}

func newMemRepository() *memRepository {
	return &memRepository{sessions: make(map[string]*sessionSnapshot)}
}

func (r *memRepository) Save(ctx context.Context, s *Session, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	snap := r.sessions[s.ID()]
	if snap == nil {
		snap = &sessionSnapshot{id: s.ID(), createdAt: s.CreatedAt(), messages: make(map[string][]byte)}
		r.sessions[s.ID()] = snap
	}
	snap.leaf = s.Leaf()
	if title != "" {
		snap.title = title
	}
	for _, m := range s.TopoOrder() {
		id := m.Meta().MessageID
		if _, ok := snap.messages[id]; ok {
			continue
		}
		data, err := EncodeMessage(m)
		if err != nil {
			return err
		}
		snap.messages[id] = data
	}
	return nil
}

func (r *memRepository) Load(ctx context.Context, sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	msgs := make([]Message, 0, len(snap.messages))
	for _, data := range snap.messages {
		m, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return RestoreSession(snap.id, snap.createdAt, msgs, snap.leaf), nil
}

func (r *memRepository) RehydrateFromLeaf(ctx context.Context, messageID string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, snap := range r.sessions {
		data, ok := snap.messages[messageID]
		if !ok {
			continue
		}
		var chain []Message
		for ok {
			m, err := DecodeMessage(data)
			if err != nil {
				return nil, err
			}
			chain = append([]Message{m}, chain...)
			data, ok = snap.messages[m.Meta().PredecessorID]
		}
		s := RestoreSession(snap.id, snap.createdAt, chain, messageID)
		return ConversationOver(s, chain), nil
	}
	return nil, nil
}

func (r *memRepository) List(ctx context.Context, limit int) ([]SessionSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SessionSummary
	for _, snap := range r.sessions {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, SessionSummary{
			SessionID:    snap.id,
			Title:        snap.title,
			MessageCount: len(snap.messages),
			CreatedAt:    snap.createdAt,
		})
	}
	return out, nil
}

func (r *memRepository) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

func (r *memRepository) Wipe(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*sessionSnapshot)
	return nil
}

var (
	_ CacheHandle      = (*memCache)(nil)
	_ RepositoryHandle = (*memRepository)(nil)
	_ Adapter          = (*scriptedAdapter)(nil)
)
