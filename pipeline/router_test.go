package pipeline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotalk/policy"
)

func TestOnInboundPersistsAndDispatches(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), nil)

	first := &recordingObserver{}
	second := &recordingObserver{}
	router.Register(testContact, first)
	router.Register(testContact, second)

	router.OnInbound(testContact, testUser, "hello there")

	history, err := store.History(testUser, testContact)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello there", history[0].Body)
	assert.False(t, history[0].IsLocal)
	assert.False(t, history[0].IsRead)

	require.Len(t, first.messages(), 1)
	require.Len(t, second.messages(), 1)
	// Delivered message carries the store-assigned ID.
	assert.Equal(t, history[0].ID, first.messages()[0].ID)
}

func TestOnInboundTrimsTrailingWhitespace(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), nil)

	observer := &recordingObserver{}
	router.Register(testContact, observer)

	router.OnInbound(testContact, testUser, "trimmed   \r\n")
	router.OnInbound(testContact, testUser, "   \t\n")

	require.Len(t, observer.messages(), 1)
	assert.Equal(t, "trimmed", observer.messages()[0].Body)
}

func TestOnInboundDedupWindowCollapsesRedelivery(t *testing.T) {
	store := newTestStore(t)
	clock := newManualClock()
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), clock)

	observer := &recordingObserver{}
	router.Register(testContact, observer)

	router.OnInbound(testContact, testUser, "hi")
	clock.Advance(10 * time.Millisecond)
	router.OnInbound(testContact, testUser, "hi")

	history, err := store.History(testUser, testContact)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, observer.messages(), 1)

	// Beyond the window the next message goes through.
	clock.Advance(DefaultDedupWindow)
	router.OnInbound(testContact, testUser, "hi again")

	history, err = store.History(testUser, testContact)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Len(t, observer.messages(), 2)
}

func TestOnInboundDroppedMessageDoesNotExtendDedupWindow(t *testing.T) {
	// The window is measured from the last accepted message. If dropped
	// messages advanced it, a steady sub-window stream would never get
	// through again.
	store := newTestStore(t)
	clock := newManualClock()
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), clock)

	observer := &recordingObserver{}
	router.Register(testContact, observer)

	router.OnInbound(testContact, testUser, "at zero")
	clock.Advance(60 * time.Millisecond)
	router.OnInbound(testContact, testUser, "at sixty")
	clock.Advance(60 * time.Millisecond)
	router.OnInbound(testContact, testUser, "at one twenty")

	delivered := observer.messages()
	require.Len(t, delivered, 2)
	assert.Equal(t, "at zero", delivered[0].Body)
	assert.Equal(t, "at one twenty", delivered[1].Body)

	history, err := store.History(testUser, testContact)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestOnInboundStanzaExactDedup(t *testing.T) {
	store := newTestStore(t)
	clock := newManualClock()
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), clock)

	observer := &recordingObserver{}
	router.Register(testContact, observer)

	router.OnInboundStanza("stanza-1", testContact, testUser, "hello")
	// Same stanza redelivered well outside the arrival window.
	clock.Advance(time.Hour)
	router.OnInboundStanza("stanza-1", testContact, testUser, "hello")

	history, err := store.History(testUser, testContact)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, observer.messages(), 1)
}

func TestOnInboundStanzaDistinctIDsWithinWindowBothDeliver(t *testing.T) {
	store := newTestStore(t)
	clock := newManualClock()
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), clock)

	observer := &recordingObserver{}
	router.Register(testContact, observer)

	// Two genuinely distinct messages in rapid succession: the exact
	// guard must not collapse them the way the window heuristic would.
	router.OnInboundStanza("stanza-a", testContact, testUser, "one")
	clock.Advance(5 * time.Millisecond)
	router.OnInboundStanza("stanza-b", testContact, testUser, "two")

	history, err := store.History(testUser, testContact)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Len(t, observer.messages(), 2)
}

func TestOnInboundTemporaryContactDispatchesWithoutPersisting(t *testing.T) {
	store := newTestStore(t)
	contactPolicy := policy.NewContactPolicy([]string{testContact})
	router := newTestRouter(t, store, contactPolicy, nil)

	observer := &recordingObserver{}
	router.Register(testContact, observer)

	router.OnInbound(testContact, testUser, "leave no trace")

	history, err := store.History(testUser, testContact)
	require.NoError(t, err)
	assert.Empty(t, history)

	delivered := observer.messages()
	require.Len(t, delivered, 1)
	assert.Equal(t, "leave no trace", delivered[0].Body)
	assert.Zero(t, delivered[0].ID)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), nil)

	staying := &recordingObserver{}
	leaving := &recordingObserver{}
	router.Register(testContact, staying)
	router.Register(testContact, leaving)
	router.Unregister(testContact, leaving)

	router.OnInbound(testContact, testUser, "still here")

	assert.Len(t, staying.messages(), 1)
	assert.Empty(t, leaving.messages())

	// Unregistering an unknown observer is harmless.
	router.Unregister(testContact, leaving)
	router.Unregister("nobody@example.org", staying)
}

func TestRegisterIsIdempotentPerObserver(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), nil)

	observer := &recordingObserver{}
	router.Register(testContact, observer)
	router.Register(testContact, observer)

	router.OnInbound(testContact, testUser, "once only")

	assert.Len(t, observer.messages(), 1)
}

func TestDeliveryOrderPerContactMatchesArrivalOrder(t *testing.T) {
	store := newTestStore(t)
	clock := newManualClock()
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), clock)

	observer := &recordingObserver{}
	router.Register(testContact, observer)

	const total = 20
	for i := 0; i < total; i++ {
		router.OnInboundStanza(fmt.Sprintf("stanza-%d", i), testContact, testUser, fmt.Sprintf("message %d", i))
		clock.Advance(time.Millisecond)
	}

	delivered := observer.messages()
	require.Len(t, delivered, total)
	for i, message := range delivered {
		assert.Equal(t, fmt.Sprintf("message %d", i), message.Body)
	}
}

func TestConcurrentInboundFromDifferentContacts(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), nil)

	const contacts = 4
	const perContact = 10

	observers := make([]*recordingObserver, contacts)
	for i := range observers {
		observers[i] = &recordingObserver{}
		router.Register(fmt.Sprintf("peer-%d@example.org", i), observers[i])
	}

	var wg sync.WaitGroup
	for i := 0; i < contacts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sender := fmt.Sprintf("peer-%d@example.org", n)
			for j := 0; j < perContact; j++ {
				router.OnInboundStanza(fmt.Sprintf("stanza-%d-%d", n, j), sender, testUser, fmt.Sprintf("from %d number %d", n, j))
			}
		}(i)
	}
	wg.Wait()

	for i, observer := range observers {
		delivered := observer.messages()
		require.Len(t, delivered, perContact, "contact %d", i)
		// Per-contact arrival order is preserved even under cross-contact
		// concurrency.
		for j, message := range delivered {
			assert.Equal(t, fmt.Sprintf("from %d number %d", i, j), message.Body)
		}
	}
}

func TestNewDeliveryRouterValidation(t *testing.T) {
	store := newTestStore(t)

	_, err := NewDeliveryRouter(RouterOptions{Policy: policy.NewContactPolicy(nil)})
	assert.Error(t, err)

	_, err = NewDeliveryRouter(RouterOptions{Store: store})
	assert.Error(t, err)
}

func TestOnInboundIgnoresBlankAddressing(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(t, store, policy.NewContactPolicy(nil), nil)

	observer := &recordingObserver{}
	router.Register(testContact, observer)

	router.OnInbound("", testUser, "no sender")
	router.OnInbound(testContact, "", "no receiver")

	history, err := store.History(testUser, testContact)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, observer.messages())
}
