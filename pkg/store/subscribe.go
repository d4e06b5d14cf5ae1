package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/opencanvas/collabd/pkg/board"
)

// rawBufferSize is the per-subscriber buffer between the listener
// goroutine and the subscriber's pump. A subscriber that falls this
// far behind is closed rather than allowed to stall or reorder
// delivery; it must resubscribe and take a fresh snapshot.
const rawBufferSize = 256

// Subscription is a live feed of change sets for one board channel.
// Delivery order matches commit order. The channel closes when the
// subscriber falls too far behind or the store shuts down; the
// consumer is expected to resubscribe.
type Subscription struct {
	C <-chan *ChangeSet

	out         chan *ChangeSet
	raw         chan notifyEnvelope
	done        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()
}

// Close tears down the subscription and releases the LISTEN when this
// was the channel's last subscriber.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
		if sub.unsubscribe != nil {
			sub.unsubscribe()
		}
	})
}

// NewLocalSubscription wraps an existing channel in a Subscription.
// For in-process fakes; nothing is registered with the listener.
func NewLocalSubscription(feed chan *ChangeSet) *Subscription {
	return &Subscription{
		C:    feed,
		out:  feed,
		raw:  make(chan notifyEnvelope),
		done: make(chan struct{}),
	}
}

// Subscribe returns the board's current objects together with a feed
// of every change set committed after that snapshot. The snapshot and
// the feed are gapless: change sets already reflected in the snapshot
// are filtered out by the snapshot's event horizon.
func (s *Store) Subscribe(ctx context.Context, boardID string) (*Subscription, []*board.Object, error) {
	channel := ObjectsChannel(boardID)
	sub, err := s.openSubscription(ctx, channel)
	if err != nil {
		return nil, nil, err
	}

	snapshot, horizon, err := s.SnapshotObjects(ctx, boardID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}

	go sub.pump(s, horizon)
	return sub, snapshot, nil
}

// SubscribePresence returns the board's current presence entries and a
// feed of presence changes. Presence sets are idempotent upserts, so a
// change that raced the snapshot read is delivered twice harmlessly.
func (s *Store) SubscribePresence(ctx context.Context, boardID string) (*Subscription, []*PresenceEntry, error) {
	channel := PresenceChannel(boardID)
	sub, err := s.openSubscription(ctx, channel)
	if err != nil {
		return nil, nil, err
	}

	entries, err := s.ReadPresence(ctx, boardID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}

	go sub.pump(s, 0)
	return sub, entries, nil
}

func (s *Store) openSubscription(ctx context.Context, channel string) (*Subscription, error) {
	out := make(chan *ChangeSet)
	sub := &Subscription{
		C:    out,
		out:  out,
		raw:  make(chan notifyEnvelope, rawBufferSize),
		done: make(chan struct{}),
	}

	id := s.subs.add(channel, sub)
	sub.unsubscribe = func() { s.releaseChannel(channel, id) }

	// Listen is idempotent, so every subscriber issues it; this avoids
	// depending on a racing first subscriber's LISTEN having succeeded.
	if err := s.listener.Listen(ctx, channel); err != nil {
		s.subs.remove(channel, id)
		return nil, err
	}
	return sub, nil
}

// releaseChannel drops the subscriber and unlistens when it was the
// last one. A new subscriber can appear between the decision and the
// UNLISTEN, so the count is re-checked afterwards and the LISTEN
// restored if needed.
func (s *Store) releaseChannel(channel string, id uint64) {
	last := s.subs.remove(channel, id)
	if !last || s.subs.isClosed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.listener.Unlisten(ctx, channel); err != nil {
		s.logger.Warn("Failed to unlisten channel", "channel", channel, "error", err)
		return
	}
	if s.subs.count(channel) > 0 {
		if err := s.listener.Listen(ctx, channel); err != nil {
			s.logger.Error("Failed to restore listen after unlisten race", "channel", channel, "error", err)
		}
	}
}

// dispatch runs on the listener goroutine: it parses the notification
// and hands it to every subscriber's buffer without blocking.
func (s *Store) dispatch(channel, payload string) {
	var env notifyEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		s.logger.Error("Dropping malformed notification", "channel", channel, "error", err)
		return
	}

	for _, sub := range s.subs.get(channel) {
		select {
		case sub.raw <- env:
		default:
			s.logger.Warn("Closing subscriber that fell behind", "channel", channel)
			go sub.Close()
		}
	}
}

// pump converts envelopes to change sets on the subscriber's own
// goroutine, re-reading truncated payloads from the change log and
// dropping sets the snapshot already covered.
func (sub *Subscription) pump(s *Store, horizon int64) {
	defer close(sub.out)

	for {
		select {
		case <-sub.done:
			return
		case env := <-sub.raw:
			var set *ChangeSet
			if env.Truncated {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				full, err := s.GetChangeSet(ctx, env.EventID)
				cancel()
				if err != nil {
					// Without the full set the feed has a gap; close so
					// the consumer resnapshots.
					s.logger.Error("Failed to fetch truncated change set",
						"event_id", env.EventID, "error", err)
					sub.Close()
					return
				}
				set = full
			} else {
				set = &ChangeSet{
					EventID:  env.EventID,
					BoardID:  env.BoardID,
					Objects:  env.Objects,
					Presence: env.Presence,
				}
			}

			if set.EventID != 0 && set.EventID <= horizon {
				continue
			}

			select {
			case sub.out <- set:
			case <-sub.done:
				return
			}
		}
	}
}

type subscriberRegistry struct {
	mu        sync.Mutex
	byChannel map[string]map[uint64]*Subscription
	nextID    uint64
	closed    bool
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{byChannel: make(map[string]map[uint64]*Subscription)}
}

func (r *subscriberRegistry) add(channel string, sub *Subscription) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	subs := r.byChannel[channel]
	if subs == nil {
		subs = make(map[uint64]*Subscription)
		r.byChannel[channel] = subs
	}
	subs[r.nextID] = sub
	return r.nextID
}

// remove deletes the subscriber and reports whether the channel is now
// empty.
func (r *subscriberRegistry) remove(channel string, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.byChannel[channel]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.byChannel, channel)
		return true
	}
	return false
}

func (r *subscriberRegistry) count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byChannel[channel])
}

func (r *subscriberRegistry) get(channel string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.byChannel[channel]
	out := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out
}

func (r *subscriberRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *subscriberRegistry) closeAll() {
	r.mu.Lock()
	r.closed = true
	var all []*Subscription
	for _, subs := range r.byChannel {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	r.byChannel = make(map[string]map[uint64]*Subscription)
	r.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}
