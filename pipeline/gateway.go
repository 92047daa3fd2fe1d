package pipeline

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gotalk/policy"
	"gotalk/storage"
)

// GatewayOptions configures outbound sends.
type GatewayOptions struct {
	Transport Transport
	Store     *storage.Store
	Policy    *policy.ContactPolicy
	UserJID   string
	Logger    *logrus.Logger

	Now         func() time.Time
	NewStanzaID func() string
}

// OutboundGateway submits messages to the transport and mirrors successful
// sends into the store as local echo. It does not route the echo through the
// delivery router; the caller displays the returned message itself.
type OutboundGateway struct {
	options GatewayOptions

	chatMu sync.Mutex
	chats  map[string]Chat
}

// NewOutboundGateway creates a gateway with validated configuration.
func NewOutboundGateway(options GatewayOptions) (*OutboundGateway, error) {
	if options.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Policy == nil {
		return nil, errors.New("policy is required")
	}
	if options.UserJID == "" {
		return nil, errors.New("user_jid is required")
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.NewStanzaID == nil {
		options.NewStanzaID = uuid.NewString
	}

	return &OutboundGateway{
		options: options,
		chats:   make(map[string]Chat),
	}, nil
}

// Send submits body to contactJID. On transport success the message is
// persisted (unless the contact is temporary) and returned for self-display;
// on failure no local state changes and a SendError is returned.
func (g *OutboundGateway) Send(contactJID, body string) (*storage.Message, error) {
	if contactJID == "" {
		return nil, errors.New("contact_jid is required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}
	// Mirror the inbound path so the stored echo matches what the contact's
	// side would persist.
	body = strings.TrimRight(body, " \t\r\n")

	chat, err := g.chatFor(contactJID)
	if err != nil {
		return nil, &SendError{ContactJID: contactJID, Err: err}
	}

	stanzaID := g.options.NewStanzaID()
	if err := chat.Send(stanzaID, body); err != nil {
		return nil, &SendError{ContactJID: contactJID, Err: err}
	}

	now := g.options.Now().UnixMilli()
	message := storage.Message{
		SenderJID:   g.options.UserJID,
		ReceiverJID: contactJID,
		Body:        body,
		Timestamp:   now,
		IsLocal:     true,
	}

	if g.options.Policy.IsTemporary(contactJID) {
		g.options.Logger.WithField("contact", contactJID).Debug("Temporary contact, skipping persistence of sent message")
	} else {
		id, err := g.options.Store.SaveMessage(message)
		if err != nil {
			g.options.Logger.WithError(err).WithField("contact", contactJID).Error("Persist sent message failed")
		} else {
			message.ID = id
		}
	}

	// Some transports echo the sender's own stanza back on the inbound
	// path; recording it keeps the router from delivering it twice.
	if err := g.options.Store.InsertSeenStanza(stanzaID, now); err != nil {
		g.options.Logger.WithError(err).WithField("stanza_id", stanzaID).Error("Record sent stanza failed")
	}

	return &message, nil
}

// chatFor returns the cached chat channel for a contact, opening it at most
// once per contact per session.
func (g *OutboundGateway) chatFor(contactJID string) (Chat, error) {
	g.chatMu.Lock()
	defer g.chatMu.Unlock()

	if chat, ok := g.chats[contactJID]; ok {
		return chat, nil
	}

	chat, err := g.options.Transport.OpenChat(contactJID)
	if err != nil {
		return nil, err
	}
	g.chats[contactJID] = chat
	return chat, nil
}
