package conduit

import (
	"sync"
)

// Session is the source of truth for a message DAG. It owns the message
// dictionary and the leaf pointer. Messages are append-only; once inserted
// they are never mutated in place.
type Session struct {
	mu        sync.Mutex
	id        string
	createdAt int64
	messages  map[string]Message
	leaf      string
}

// NewSession creates an empty session with a fresh UUIDv7 id.
func NewSession() *Session {
	return &Session{
		id:        NewID(),
		createdAt: NowMillis(),
		messages:  make(map[string]Message),
	}
}

// RestoreSession rebuilds a session from persisted state. Used by repository
// implementations; callers construct sessions with NewSession.
func RestoreSession(id string, createdAt int64, msgs []Message, leaf string) *Session {
	s := &Session{id: id, createdAt: createdAt, messages: make(map[string]Message, len(msgs)), leaf: leaf}
	for _, m := range msgs {
		s.messages[m.Meta().MessageID] = m
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time in Unix milliseconds.
func (s *Session) CreatedAt() int64 { return s.createdAt }

// Leaf returns the id of the current tail message, or "" for an empty session.
func (s *Session) Leaf() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaf
}

// Get returns the message with the given id, or nil.
func (s *Session) Get(id string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

// Len returns the number of messages in the session.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Messages returns a snapshot of every message in the session, in no
// particular order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	return out
}

// append inserts msg as the new leaf, backfilling predecessor and session
// fields. expectLeaf guards against concurrent appends to the same session:
// the caller states the leaf it observed, and the append fails if another
// append has advanced it since.
func (s *Session) append(msg Message, expectLeaf string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaf != expectLeaf {
		return E(KindValidation, "session %s: concurrent append detected (leaf moved from %s)", s.id, expectLeaf)
	}
	meta := msg.Meta()
	if _, dup := s.messages[meta.MessageID]; dup {
		return E(KindValidation, "session %s: message %s already present", s.id, meta.MessageID)
	}
	meta.SessionID = s.id
	meta.PredecessorID = s.leaf
	s.messages[meta.MessageID] = msg
	s.leaf = meta.MessageID
	return nil
}

// attach inserts msg with its predecessor already set, advancing the leaf
// only when msg extends the current leaf. Used when grafting a branch whose
// ancestor chain is interior to the session.
func (s *Session) attach(msg Message, predecessorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := msg.Meta()
	if _, dup := s.messages[meta.MessageID]; dup {
		return E(KindValidation, "session %s: message %s already present", s.id, meta.MessageID)
	}
	if predecessorID != "" {
		if _, ok := s.messages[predecessorID]; !ok {
			return E(KindValidation, "session %s: predecessor %s not found", s.id, predecessorID)
		}
	}
	meta.SessionID = s.id
	meta.PredecessorID = predecessorID
	s.messages[meta.MessageID] = msg
	s.leaf = meta.MessageID
	return nil
}

// Ancestry walks predecessor pointers from the given message id back to a
// root and returns the chain in chronological order (root first). Unknown
// ids return an error; a broken chain does too.
func (s *Session) Ancestry(id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chain []Message
	seen := make(map[string]bool, len(s.messages))
	for cur := id; cur != ""; {
		if seen[cur] {
			return nil, E(KindInternal, "session %s: ancestry cycle at %s", s.id, cur)
		}
		seen[cur] = true
		m, ok := s.messages[cur]
		if !ok {
			return nil, E(KindValidation, "session %s: message %s not found", s.id, cur)
		}
		chain = append(chain, m)
		cur = m.Meta().PredecessorID
	}
	// reverse in place: walked leaf→root, want root→leaf
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// TopoOrder returns every message sorted so that each predecessor precedes
// its successors. Repository save relies on this ordering for foreign keys.
func (s *Session) TopoOrder() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	emitted := make(map[string]bool, len(s.messages))
	var emit func(id string)
	emit = func(id string) {
		if id == "" || emitted[id] {
			return
		}
		m, ok := s.messages[id]
		if !ok {
			return
		}
		emit(m.Meta().PredecessorID)
		emitted[id] = true
		out = append(out, m)
	}
	for id := range s.messages {
		emit(id)
	}
	return out
}
