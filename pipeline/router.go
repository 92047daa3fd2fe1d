package pipeline

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gotalk/policy"
	"gotalk/storage"
)

// DefaultDedupWindow collapses inbound messages from the same (sender,
// receiver) pair arriving within this interval. The transport layer has been
// observed surfacing the same stanza twice; this window is the heuristic
// guard for transports that carry no stanza identifier.
const DefaultDedupWindow = 100 * time.Millisecond

// RouterOptions configures inbound message routing.
type RouterOptions struct {
	Store  *storage.Store
	Policy *policy.ContactPolicy
	Logger *logrus.Logger

	DedupWindow time.Duration
	Now         func() time.Time
}

// DeliveryRouter receives inbound messages from the transport, applies
// duplicate suppression and the temporary-contact policy, persists, and
// fans delivery out to registered observers.
type DeliveryRouter struct {
	options RouterOptions

	// dispatchMu serializes whole inbound events so two events never
	// interleave their observer callbacks.
	dispatchMu sync.Mutex

	dedupMu     sync.Mutex
	lastArrival map[pairKey]int64

	observerMu sync.RWMutex
	observers  map[string][]Observer
}

type pairKey struct {
	senderJID   string
	receiverJID string
}

// NewDeliveryRouter creates a router with validated configuration.
func NewDeliveryRouter(options RouterOptions) (*DeliveryRouter, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Policy == nil {
		return nil, errors.New("policy is required")
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.DedupWindow <= 0 {
		options.DedupWindow = DefaultDedupWindow
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &DeliveryRouter{
		options:     options,
		lastArrival: make(map[pairKey]int64),
		observers:   make(map[string][]Observer),
	}, nil
}

// OnInbound handles one inbound message surfaced without a stanza
// identifier; duplicate suppression falls back to the arrival window.
func (r *DeliveryRouter) OnInbound(senderJID, receiverJID, body string) {
	r.OnInboundStanza("", senderJID, receiverJID, body)
}

// OnInboundStanza handles one inbound message. When stanzaID is non-empty
// the seen-stanza table gives exact once-only suppression; otherwise the
// arrival-window heuristic applies. Persistence failure is logged and does
// not prevent delivery to live observers.
func (r *DeliveryRouter) OnInboundStanza(stanzaID, senderJID, receiverJID, body string) {
	if senderJID == "" || receiverJID == "" {
		return
	}
	body = strings.TrimRight(body, " \t\r\n")
	if body == "" {
		return
	}

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	now := r.options.Now().UnixMilli()
	if r.isDuplicate(stanzaID, senderJID, receiverJID, now) {
		r.options.Logger.WithFields(logrus.Fields{
			"sender":    senderJID,
			"stanza_id": stanzaID,
		}).Debug("Dropping duplicate inbound message")
		return
	}

	message := storage.Message{
		SenderJID:   senderJID,
		ReceiverJID: receiverJID,
		Body:        body,
		Timestamp:   now,
	}

	if r.options.Policy.IsTemporary(senderJID) {
		r.options.Logger.WithField("sender", senderJID).Debug("Temporary contact, skipping persistence")
	} else {
		id, err := r.options.Store.SaveMessage(message)
		if err != nil {
			// Delivery takes precedence over durability, but losing a
			// message silently is not acceptable: surface loudly.
			r.options.Logger.WithError(err).WithField("sender", senderJID).Error("Persist inbound message failed")
		} else {
			message.ID = id
		}
	}

	if stanzaID != "" {
		if err := r.options.Store.InsertSeenStanza(stanzaID, now); err != nil {
			r.options.Logger.WithError(err).WithField("stanza_id", stanzaID).Error("Record seen stanza failed")
		}
	}

	for _, observer := range r.observersFor(senderJID) {
		observer.OnDelivered(message)
	}
}

// Register subscribes an observer to deliveries from one contact. Dispatch
// order follows registration order.
func (r *DeliveryRouter) Register(contactJID string, observer Observer) {
	if contactJID == "" || observer == nil {
		return
	}
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	for _, existing := range r.observers[contactJID] {
		if existing == observer {
			return
		}
	}
	r.observers[contactJID] = append(r.observers[contactJID], observer)
}

// Unregister removes an observer. Safe to call while a dispatch is running;
// the dispatch in flight finishes against its own snapshot.
func (r *DeliveryRouter) Unregister(contactJID string, observer Observer) {
	if contactJID == "" || observer == nil {
		return
	}
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	current := r.observers[contactJID]
	for i, existing := range current {
		if existing == observer {
			r.observers[contactJID] = append(current[:i:i], current[i+1:]...)
			break
		}
	}
	if len(r.observers[contactJID]) == 0 {
		delete(r.observers, contactJID)
	}
}

func (r *DeliveryRouter) observersFor(contactJID string) []Observer {
	r.observerMu.RLock()
	defer r.observerMu.RUnlock()
	current := r.observers[contactJID]
	if len(current) == 0 {
		return nil
	}
	snapshot := make([]Observer, len(current))
	copy(snapshot, current)
	return snapshot
}

func (r *DeliveryRouter) isDuplicate(stanzaID, senderJID, receiverJID string, now int64) bool {
	if stanzaID != "" {
		seen, err := r.options.Store.HasSeenStanza(stanzaID)
		if err != nil {
			r.options.Logger.WithError(err).WithField("stanza_id", stanzaID).Warn("Seen-stanza lookup failed, falling back to arrival window")
		} else {
			// The exact guard is authoritative when the transport
			// provides an identifier.
			return seen
		}
	}

	key := pairKey{senderJID: senderJID, receiverJID: receiverJID}
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	last, ok := r.lastArrival[key]
	if ok && now-last < r.options.DedupWindow.Milliseconds() {
		// Dropped events must not advance the window or a steady stream
		// of sub-window arrivals would be swallowed indefinitely.
		return true
	}
	r.lastArrival[key] = now
	return false
}
