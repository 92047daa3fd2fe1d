package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"gotalk/storage"
)

type sessionState int

const (
	sessionClosed sessionState = iota
	sessionOpening
	sessionOpen
)

// SessionOptions configures one conversation session.
type SessionOptions struct {
	Store      *storage.Store
	Router     *DeliveryRouter
	UserJID    string
	ContactJID string
	Logger     *logrus.Logger
}

// ConversationSession is the pipeline-side state of one open conversation
// view: the loaded history plus live deliveries, the read position, and an
// attention flag for messages that arrived while the view was not focused.
type ConversationSession struct {
	options SessionOptions

	mu        sync.Mutex
	state     sessionState
	pending   []storage.Message
	view      []storage.Message
	watermark int64
	attention bool
}

// NewConversationSession creates a closed session; call Open to activate it.
func NewConversationSession(options SessionOptions) (*ConversationSession, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Router == nil {
		return nil, errors.New("router is required")
	}
	if options.UserJID == "" {
		return nil, errors.New("user_jid is required")
	}
	if options.ContactJID == "" {
		return nil, errors.New("contact_jid is required")
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	return &ConversationSession{options: options}, nil
}

// Open subscribes to the router and loads the conversation history. The
// subscription is established before the history read so a message arriving
// during the load is buffered rather than lost; the store ID resolves the
// overlap between the snapshot and the buffer. Opening an already-open
// session is a no-op.
func (s *ConversationSession) Open() error {
	s.mu.Lock()
	if s.state != sessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = sessionOpening
	s.pending = nil
	s.view = nil
	s.watermark = 0
	s.attention = false
	s.mu.Unlock()

	s.options.Router.Register(s.options.ContactJID, s)

	history, err := s.options.Store.History(s.options.UserJID, s.options.ContactJID)
	if err != nil {
		s.options.Router.Unregister(s.options.ContactJID, s)
		s.mu.Lock()
		s.state = sessionClosed
		s.pending = nil
		s.mu.Unlock()
		return fmt.Errorf("load history for %q: %w", s.options.ContactJID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var maxID int64
	for _, message := range history {
		if message.ID > maxID {
			maxID = message.ID
		}
	}

	s.view = history
	for _, message := range s.pending {
		// Buffered deliveries already covered by the snapshot carry a
		// store ID at or below the snapshot's high-water mark. Suppressed
		// messages have ID 0 and no history to collide with.
		if message.ID != 0 && message.ID <= maxID {
			continue
		}
		s.view = append(s.view, message)
		if message.ID > maxID {
			maxID = message.ID
		}
	}
	s.pending = nil
	s.watermark = maxID
	s.state = sessionOpen

	s.options.Logger.WithFields(logrus.Fields{
		"contact": s.options.ContactJID,
		"history": len(s.view),
	}).Debug("Conversation session opened")

	return nil
}

// OnDelivered appends a delivered message to the live view, or buffers it
// while the history load is in flight. Incoming (non-local) messages raise
// the attention flag until MarkViewed.
func (s *ConversationSession) OnDelivered(message storage.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case sessionOpening:
		s.pending = append(s.pending, message)
	case sessionOpen:
		// A dispatch that raced the history load can land after the merge;
		// anything at or below the snapshot high-water mark is already in
		// the view. Rows committed after the snapshot carry a higher ID.
		if message.ID != 0 && message.ID <= s.watermark {
			return
		}
		s.view = append(s.view, message)
	default:
		return
	}

	if !message.IsLocal {
		s.attention = true
	}
}

// MarkViewed records that the user has seen the conversation: clears the
// attention flag and flags stored messages from the contact as read. The
// presentation layer calls this from its own focus/visibility logic.
func (s *ConversationSession) MarkViewed() error {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.attention = false
	s.mu.Unlock()

	updated, err := s.options.Store.MarkRead(s.options.UserJID, s.options.ContactJID)
	if err != nil {
		return fmt.Errorf("mark conversation with %q read: %w", s.options.ContactJID, err)
	}
	if updated > 0 {
		s.options.Logger.WithFields(logrus.Fields{
			"contact": s.options.ContactJID,
			"updated": updated,
		}).Debug("Marked conversation read")
	}

	return nil
}

// NeedsAttention reports whether a message arrived since the last MarkViewed.
func (s *ConversationSession) NeedsAttention() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attention
}

// Messages returns a copy of the current view in delivery order.
func (s *ConversationSession) Messages() []storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Message, len(s.view))
	copy(out, s.view)
	return out
}

// Close unsubscribes from the router and releases the view. Idempotent, and
// safe even if the session was never viewed.
func (s *ConversationSession) Close() {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = sessionClosed
	s.pending = nil
	s.view = nil
	s.mu.Unlock()

	s.options.Router.Unregister(s.options.ContactJID, s)
}
