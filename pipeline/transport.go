// Package pipeline implements the message pipeline of the chat client:
// inbound routing with duplicate suppression, persistence with a
// temporary-contact policy, outbound sends with local echo, and
// per-conversation sessions that track read state.
package pipeline

import (
	"errors"
	"fmt"

	"gotalk/storage"
)

// Chat is an established conversation channel with one contact. Opening a
// channel is the expensive transport operation; the gateway caches one per
// contact and reuses it for every send.
type Chat interface {
	Send(stanzaID, body string) error
}

// Transport is the wire-protocol collaborator boundary. Implementations own
// connection establishment, login and presence; the pipeline only opens
// chats and receives normalized inbound messages on the router.
type Transport interface {
	OpenChat(contactJID string) (Chat, error)
}

// Observer receives delivered messages for one contact, in arrival order.
// Callbacks run on the router's dispatch path and must not block.
type Observer interface {
	OnDelivered(message storage.Message)
}

// ErrEmptyBody rejects blank outbound messages before any network call.
var ErrEmptyBody = errors.New("pipeline: message body is empty")

// SendError reports a transport-rejected send. No local state is mutated
// when it is returned.
type SendError struct {
	ContactJID string
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %q: %v", e.ContactJID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
