package store

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubscription() *Subscription {
	out := make(chan *ChangeSet)
	return &Subscription{
		C:    out,
		out:  out,
		raw:  make(chan notifyEnvelope, rawBufferSize),
		done: make(chan struct{}),
	}
}

func recvSet(t *testing.T, sub *Subscription) *ChangeSet {
	t.Helper()
	select {
	case set, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return set
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change set")
		return nil
	}
}

func TestPump_DeliversInOrder(t *testing.T) {
	s := &Store{logger: slog.Default(), subs: newSubscriberRegistry()}
	sub := newTestSubscription()
	go sub.pump(s, 0)
	defer sub.Close()

	for i := int64(1); i <= 3; i++ {
		sub.raw <- notifyEnvelope{BoardID: "b1", EventID: i}
	}

	for i := int64(1); i <= 3; i++ {
		set := recvSet(t, sub)
		assert.Equal(t, i, set.EventID)
		assert.Equal(t, "b1", set.BoardID)
	}
}

func TestPump_DropsSetsCoveredBySnapshot(t *testing.T) {
	s := &Store{logger: slog.Default(), subs: newSubscriberRegistry()}
	sub := newTestSubscription()
	go sub.pump(s, 5)
	defer sub.Close()

	sub.raw <- notifyEnvelope{BoardID: "b1", EventID: 4}
	sub.raw <- notifyEnvelope{BoardID: "b1", EventID: 5}
	sub.raw <- notifyEnvelope{BoardID: "b1", EventID: 6}

	set := recvSet(t, sub)
	assert.Equal(t, int64(6), set.EventID)
}

func TestPump_PresenceBypassesHorizon(t *testing.T) {
	s := &Store{logger: slog.Default(), subs: newSubscriberRegistry()}
	sub := newTestSubscription()
	go sub.pump(s, 99)
	defer sub.Close()

	sub.raw <- notifyEnvelope{
		BoardID:  "b1",
		Presence: []PresenceChange{{Kind: ChangeModified, UserID: "u1"}},
	}

	set := recvSet(t, sub)
	assert.Zero(t, set.EventID)
	require.Len(t, set.Presence, 1)
	assert.Equal(t, "u1", set.Presence[0].UserID)
}

func TestPump_CloseEndsFeed(t *testing.T) {
	s := &Store{logger: slog.Default(), subs: newSubscriberRegistry()}
	sub := newTestSubscription()
	go sub.pump(s, 0)

	sub.Close()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not close")
	}
}

func TestSubscriberRegistry(t *testing.T) {
	r := newSubscriberRegistry()
	a := newTestSubscription()
	b := newTestSubscription()

	idA := r.add("ch", a)
	idB := r.add("ch", b)
	assert.Equal(t, 2, r.count("ch"))
	assert.Len(t, r.get("ch"), 2)

	assert.False(t, r.remove("ch", idA), "channel still has a subscriber")
	assert.True(t, r.remove("ch", idB), "last subscriber removal")
	assert.Zero(t, r.count("ch"))

	// Removing an unknown subscriber is harmless.
	assert.False(t, r.remove("ch", idA))
	assert.False(t, r.remove("other", 42))
}

func TestSubscriberRegistry_CloseAll(t *testing.T) {
	r := newSubscriberRegistry()
	sub := newTestSubscription()
	r.add("ch", sub)

	r.closeAll()

	assert.True(t, r.isClosed())
	assert.Zero(t, r.count("ch"))
	select {
	case <-sub.done:
	default:
		t.Fatal("subscription was not closed")
	}
}
