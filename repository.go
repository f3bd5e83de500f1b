package conduit

import "context"

// SessionSummary is one row of a repository listing.
type SessionSummary struct {
	SessionID     string
	Title         string
	MessageCount  int
	CreatedAt     int64
	LastUpdatedMS int64
}

// RepositoryHandle is the durable store for the session/message graph,
// scoped to one project. Load returns (nil, nil) for an unknown session;
// RehydrateFromLeaf returns (nil, nil) for an unknown message.
// Implementations live under repository/.
type RepositoryHandle interface {
	// Save upserts the session row, then its messages in topological order
	// (root first) so predecessor references resolve. Messages are
	// immutable: an existing row is left untouched.
	Save(ctx context.Context, session *Session, title string) error
	// Load returns the full session with every stored message.
	Load(ctx context.Context, sessionID string) (*Session, error)
	// RehydrateFromLeaf walks predecessor pointers from the given message
	// and returns the ancestor chain as a conversation in chronological
	// order, backed by a session holding exactly those messages.
	RehydrateFromLeaf(ctx context.Context, messageID string) (*Conversation, error)
	// List returns up to limit session summaries, most recently updated
	// first.
	List(ctx context.Context, limit int) ([]SessionSummary, error)
	// Delete removes a session and all its messages.
	Delete(ctx context.Context, sessionID string) error
	// Wipe removes every session in the project.
	Wipe(ctx context.Context) error
}
