package pipeline

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gotalk/policy"
	"gotalk/storage"
)

const (
	testUser    = "me@example.org"
	testContact = "friend@example.org"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func newTestRouter(t *testing.T, store *storage.Store, contactPolicy *policy.ContactPolicy, clock *manualClock) *DeliveryRouter {
	t.Helper()

	options := RouterOptions{
		Store:  store,
		Policy: contactPolicy,
		Logger: newTestLogger(),
	}
	if clock != nil {
		options.Now = clock.Now
	}
	router, err := NewDeliveryRouter(options)
	require.NoError(t, err)
	return router
}

// manualClock makes dedup-window behavior deterministic in tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu        sync.Mutex
	delivered []storage.Message
}

func (o *recordingObserver) OnDelivered(message storage.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered = append(o.delivered, message)
}

func (o *recordingObserver) messages() []storage.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]storage.Message, len(o.delivered))
	copy(out, o.delivered)
	return out
}

type fakeSend struct {
	stanzaID string
	body     string
}

type fakeChat struct {
	mu      sync.Mutex
	sent    []fakeSend
	sendErr error
}

func (c *fakeChat) Send(stanzaID, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, fakeSend{stanzaID: stanzaID, body: body})
	return nil
}

func (c *fakeChat) sends() []fakeSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakeSend, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeChat) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

type fakeTransport struct {
	mu      sync.Mutex
	opened  []string
	openErr error
	chats   map[string]*fakeChat
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{chats: make(map[string]*fakeChat)}
}

func (t *fakeTransport) OpenChat(contactJID string) (Chat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	t.opened = append(t.opened, contactJID)
	chat, ok := t.chats[contactJID]
	if !ok {
		chat = &fakeChat{}
		t.chats[contactJID] = chat
	}
	return chat, nil
}

func (t *fakeTransport) openCount(contactJID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, jid := range t.opened {
		if jid == contactJID {
			count++
		}
	}
	return count
}

func (t *fakeTransport) chatFor(contactJID string) *fakeChat {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chats[contactJID]
}

var errTransportDown = errors.New("transport disconnected")
