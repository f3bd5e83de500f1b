package conduit

// ConversationState classifies what should happen next, derived from the
// last message's role and tool calls.
type ConversationState string

const (
	// StateGenerate means the last message is a user or tool message and the
	// model should produce the next turn.
	StateGenerate ConversationState = "GENERATE"
	// StateExecute means the last message is an assistant message carrying
	// tool calls that have not been answered yet.
	StateExecute ConversationState = "EXECUTE"
	// StateTerminate means the last message is an assistant message with no
	// tool calls.
	StateTerminate ConversationState = "TERMINATE"
	// StateIncomplete means the conversation is empty or holds only a system
	// message.
	StateIncomplete ConversationState = "INCOMPLETE"
)

// Conversation is an ordered linear projection over a Session. The Session
// owns the messages; the Conversation holds the ordered view and enforces
// the append discipline.
type Conversation struct {
	session  *Session
	messages []Message
}

// NewConversation creates an empty conversation. The backing session is
// created lazily on the first Add.
func NewConversation() *Conversation {
	return &Conversation{}
}

// ConversationOver builds a conversation view from an existing session and
// an already-ordered message chain. Used by repositories when rehydrating.
func ConversationOver(s *Session, ordered []Message) *Conversation {
	return &Conversation{session: s, messages: ordered}
}

// Session returns the backing session, or nil before the first Add.
func (c *Conversation) Session() *Session { return c.session }

// Messages returns the ordered view. The returned slice must not be mutated.
func (c *Conversation) Messages() []Message { return c.messages }

// Len returns the number of messages in the view.
func (c *Conversation) Len() int { return len(c.messages) }

// Last returns the final message in the view, or nil when empty.
func (c *Conversation) Last() Message {
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// State derives the conversation state from the last message.
func (c *Conversation) State() ConversationState {
	last := c.Last()
	if last == nil {
		return StateIncomplete
	}
	switch m := last.(type) {
	case *SystemMessage:
		return StateIncomplete
	case *UserMessage, *ToolMessage:
		return StateGenerate
	case *AssistantMessage:
		if len(m.ToolCalls) > 0 {
			return StateExecute
		}
		return StateTerminate
	}
	return StateIncomplete
}

// Add appends a message, enforcing the conversation discipline:
//
//   - at most one system message, and only as the first message
//   - adjacent messages never share a role, except that tool messages may
//     follow an assistant message whose tool calls they answer
//
// On first add the backing session is bootstrapped; the message's
// predecessor and session fields are backfilled from the current tail.
func (c *Conversation) Add(msg Message) error {
	if err := c.checkAdd(msg); err != nil {
		return err
	}
	if c.session == nil {
		c.session = NewSession()
	}
	prev := ""
	if last := c.Last(); last != nil {
		prev = last.Meta().MessageID
	}
	if prev == c.session.Leaf() {
		if err := c.session.append(msg, prev); err != nil {
			return err
		}
	} else {
		// This view's tail is interior to the session (a sibling branch has
		// advanced the leaf); graft onto our own tail.
		if err := c.session.attach(msg, prev); err != nil {
			return err
		}
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *Conversation) checkAdd(msg Message) error {
	last := c.Last()
	switch m := msg.(type) {
	case *SystemMessage:
		if len(c.messages) > 0 {
			return E(KindValidation, "system message must be first")
		}
		return nil
	case *ToolMessage:
		// A tool message answers a pending tool call on the nearest
		// preceding assistant message.
		pending := c.pendingToolCalls()
		if pending == nil {
			return E(KindValidation, "tool message without a preceding assistant tool call")
		}
		if _, ok := pending[m.ToolCallID]; !ok {
			return E(KindValidation, "tool message answers unknown tool call %s", m.ToolCallID)
		}
		return nil
	default:
		if last != nil && last.Role() == msg.Role() {
			return E(KindValidation, "consecutive %s messages", msg.Role())
		}
		return nil
	}
}

// pendingToolCalls returns the unanswered tool-call ids of the trailing
// assistant+tool block, or nil when the tail is not such a block.
func (c *Conversation) pendingToolCalls() map[string]bool {
	answered := make(map[string]bool)
	for i := len(c.messages) - 1; i >= 0; i-- {
		switch m := c.messages[i].(type) {
		case *ToolMessage:
			answered[m.ToolCallID] = true
		case *AssistantMessage:
			if len(m.ToolCalls) == 0 {
				return nil
			}
			pending := make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if !answered[tc.ID] {
					pending[tc.ID] = true
				}
			}
			if len(pending) == 0 {
				return nil
			}
			return pending
		default:
			return nil
		}
	}
	return nil
}

// Branch returns a new conversation whose view is the prefix up to and
// including index k. Both conversations share the same session; appending to
// the branch does not affect the original.
func (c *Conversation) Branch(k int) (*Conversation, error) {
	if k < 0 || k >= len(c.messages) {
		return nil, E(KindValidation, "branch index %d out of range [0,%d)", k, len(c.messages))
	}
	view := make([]Message, k+1)
	copy(view, c.messages[:k+1])
	return &Conversation{session: c.session, messages: view}, nil
}

// BranchAt returns a branch whose tail is the message with the given id.
func (c *Conversation) BranchAt(messageID string) (*Conversation, error) {
	for i, m := range c.messages {
		if m.Meta().MessageID == messageID {
			return c.Branch(i)
		}
	}
	return nil, E(KindValidation, "message %s not in conversation", messageID)
}

// Prune truncates the view to the trailing n messages. The dropped messages
// remain in the session, reachable by id. A leading system message is
// preserved when present.
func (c *Conversation) Prune(n int) {
	if n < 0 || n >= len(c.messages) {
		return
	}
	var keep []Message
	if sys, ok := c.messages[0].(*SystemMessage); ok && n < len(c.messages) {
		keep = append(keep, sys)
	}
	keep = append(keep, c.messages[len(c.messages)-n:]...)
	c.messages = keep
}
