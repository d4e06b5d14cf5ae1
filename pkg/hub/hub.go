// Package hub fans board changes out to connected clients. Each active
// board gets one Hub: a single goroutine that folds the store's change
// feed into an in-memory object map, hands gapless snapshots to new
// subscribers, and relays every committed change set in commit order.
//
// Mutations also enter through the hub, which validates them against
// the current board state and expands delete cascades before handing
// the batch to the store. Fan-out always comes from the store feed, so
// every subscriber, including the writer, observes the same order.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/ids"
	"github.com/opencanvas/collabd/pkg/metrics"
	"github.com/opencanvas/collabd/pkg/presence"
	"github.com/opencanvas/collabd/pkg/store"
)

// ErrClosed is returned when the hub has shut down; callers should
// fetch a fresh hub from the registry and retry.
var ErrClosed = errors.New("hub closed")

// Store is the slice of the persistence layer the hub needs.
type Store interface {
	Subscribe(ctx context.Context, boardID string) (*store.Subscription, []*board.Object, error)
	SubscribePresence(ctx context.Context, boardID string) (*store.Subscription, []*store.PresenceEntry, error)
	ApplyBatch(ctx context.Context, boardID, editor string, writes []store.Write) (*store.ChangeSet, error)
}

// Options tunes hub behavior.
type Options struct {
	// ReapInterval is how often the hub sweeps stale presence.
	ReapInterval time.Duration
	// Stale filters presence entries out of snapshots.
	Stale time.Duration
	// SubscriberBuffer is the per-subscriber queue length. A subscriber
	// that falls this far behind is closed to protect delivery order
	// for everyone else.
	SubscriberBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReapInterval <= 0 {
		o.ReapInterval = 10 * time.Second
	}
	if o.Stale <= 0 {
		o.Stale = 30 * time.Second
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	return o
}

// Snapshot is the state handed to a new subscriber before live sets.
type Snapshot struct {
	Objects  []*board.Object
	Presence []*store.PresenceEntry
}

// Stats describes hub load for the registry's idle sweep.
type Stats struct {
	Subscribers int
	Objects     int
	IdleSince   time.Time
}

// Subscriber receives change sets in commit order. The channel closes
// when the subscriber falls behind or the hub stops.
type Subscriber struct {
	C <-chan *store.ChangeSet

	id        uint64
	ch        chan *store.ChangeSet
	hub       *Hub
	closeOnce sync.Once
}

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		select {
		case s.hub.inbox <- unsubscribeCmd{id: s.id}:
		case <-s.hub.done:
		}
	})
}

// Hub is the per-board actor.
type Hub struct {
	boardID string
	store   Store
	tracker *presence.Tracker
	opts    Options
	logger  *slog.Logger

	inbox    chan any
	done     chan struct{}
	stopOnce sync.Once

	reaping atomic.Bool
}

type subscribeCmd struct {
	reply chan subscribeReply
}

type subscribeReply struct {
	sub  *Subscriber
	snap Snapshot
}

type unsubscribeCmd struct {
	id uint64
}

type stateQuery struct {
	mergeIDs  []string
	deleteIDs []string
	reply     chan stateReply
}

type stateReply struct {
	types   map[string]board.ObjectType
	cascade []string
}

type statsQuery struct {
	reply chan Stats
}

// New subscribes to the board's store feeds and starts the actor.
func New(ctx context.Context, boardID string, s Store, tracker *presence.Tracker, opts Options) (*Hub, error) {
	opts = opts.withDefaults()

	objSub, objects, err := s.Subscribe(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to board %s: %w", boardID, err)
	}
	preSub, entries, err := s.SubscribePresence(ctx, boardID)
	if err != nil {
		objSub.Close()
		return nil, fmt.Errorf("failed to subscribe to presence for board %s: %w", boardID, err)
	}

	objectMap := make(map[string]*board.Object, len(objects))
	for _, obj := range objects {
		objectMap[obj.ID] = obj
	}
	presenceMap := make(map[string]*store.PresenceEntry, len(entries))
	for _, e := range entries {
		presenceMap[e.UserID] = e
	}

	h := &Hub{
		boardID: boardID,
		store:   s,
		tracker: tracker,
		opts:    opts,
		logger:  slog.Default().With("component", "hub", "board_id", boardID),
		inbox:   make(chan any, 16),
		done:    make(chan struct{}),
	}
	go h.run(objSub, preSub, objectMap, presenceMap)

	metrics.HubsActive.Inc()
	h.logger.Info("Hub started", "objects", len(objectMap))
	return h, nil
}

// BoardID returns the board this hub serves.
func (h *Hub) BoardID() string { return h.boardID }

// Tracker returns the hub's presence tracker.
func (h *Hub) Tracker() *presence.Tracker { return h.tracker }

// Stop shuts the hub down, closing every subscriber channel.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Stopped reports whether the hub has shut down.
func (h *Hub) Stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Subscribe registers a new subscriber and returns the snapshot it
// should render before applying live sets. The snapshot and the feed
// are gapless: registration and snapshot construction happen at the
// same point in the actor's sequence.
func (h *Hub) Subscribe(ctx context.Context) (*Subscriber, Snapshot, error) {
	cmd := subscribeCmd{reply: make(chan subscribeReply, 1)}
	select {
	case h.inbox <- cmd:
	case <-h.done:
		return nil, Snapshot{}, ErrClosed
	case <-ctx.Done():
		return nil, Snapshot{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.sub, r.snap, nil
	case <-h.done:
		return nil, Snapshot{}, ErrClosed
	case <-ctx.Done():
		return nil, Snapshot{}, ctx.Err()
	}
}

// Apply validates the writes against current board state, expands
// delete cascades to attached connectors, and commits the batch. The
// resulting change set fans out to all subscribers through the store
// feed; it is also returned to the caller.
func (h *Hub) Apply(ctx context.Context, editor string, writes []store.Write) (*store.ChangeSet, error) {
	if len(writes) == 0 {
		return &store.ChangeSet{BoardID: h.boardID}, nil
	}

	var mergeIDs, deleteIDs []string
	for _, w := range writes {
		if !ids.ValidObjectID(w.ObjectID) {
			return nil, &board.ValidationError{Field: "objectId", Message: "invalid object id"}
		}
		switch w.Op {
		case store.OpCreate:
			if err := board.ValidateCreate(w.Fields); err != nil {
				return nil, err
			}
		case store.OpMerge:
			if err := board.ValidatePartial(w.Fields); err != nil {
				return nil, err
			}
			mergeIDs = append(mergeIDs, w.ObjectID)
		case store.OpDelete:
			deleteIDs = append(deleteIDs, w.ObjectID)
		default:
			return nil, fmt.Errorf("unknown write op %q", w.Op)
		}
	}

	st, err := h.queryState(ctx, mergeIDs, deleteIDs)
	if err != nil {
		return nil, err
	}

	// Merges into existing objects must stay compatible with the
	// object's type; merges into missing ids are tolerated as-is.
	for _, w := range writes {
		if w.Op != store.OpMerge {
			continue
		}
		if typ, ok := st.types[w.ObjectID]; ok {
			if err := board.ValidateAgainstType(typ, w.Fields); err != nil {
				return nil, err
			}
		}
	}

	final := writes
	if len(st.cascade) > 0 {
		doomed := make(map[string]bool, len(deleteIDs))
		for _, id := range deleteIDs {
			doomed[id] = true
		}
		for _, id := range st.cascade {
			if !doomed[id] {
				final = append(final, store.Write{Op: store.OpDelete, ObjectID: id})
				doomed[id] = true
			}
		}
	}

	return h.store.ApplyBatch(ctx, h.boardID, editor, final)
}

// Stats reports subscriber and object counts for the idle sweep.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	cmd := statsQuery{reply: make(chan Stats, 1)}
	select {
	case h.inbox <- cmd:
	case <-h.done:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case stats := <-cmd.reply:
		return stats, nil
	case <-h.done:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (h *Hub) queryState(ctx context.Context, mergeIDs, deleteIDs []string) (stateReply, error) {
	if len(mergeIDs) == 0 && len(deleteIDs) == 0 {
		return stateReply{}, nil
	}
	cmd := stateQuery{mergeIDs: mergeIDs, deleteIDs: deleteIDs, reply: make(chan stateReply, 1)}
	select {
	case h.inbox <- cmd:
	case <-h.done:
		return stateReply{}, ErrClosed
	case <-ctx.Done():
		return stateReply{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-h.done:
		return stateReply{}, ErrClosed
	case <-ctx.Done():
		return stateReply{}, ctx.Err()
	}
}

func (h *Hub) run(objSub, preSub *store.Subscription, objects map[string]*board.Object, presenceMap map[string]*store.PresenceEntry) {
	subscribers := make(map[uint64]*Subscriber)
	var nextID uint64
	idleSince := time.Now()

	ticker := time.NewTicker(h.opts.ReapInterval)
	defer ticker.Stop()

	defer func() {
		objSub.Close()
		preSub.Close()
		if h.tracker != nil {
			h.tracker.Close()
		}
		for _, sub := range subscribers {
			close(sub.ch)
			metrics.HubSubscribers.Dec()
		}
		metrics.HubsActive.Dec()
		h.logger.Info("Hub stopped")
	}()

	for {
		select {
		case <-h.done:
			return

		case set, ok := <-objSub.C:
			if !ok {
				// The store dropped us (listener failure or backlog).
				// Shut down; clients reconnect and a fresh hub takes a
				// clean snapshot.
				h.logger.Warn("Object feed closed, stopping hub")
				h.Stop()
				return
			}
			applyObjectSet(objects, set)
			h.fanOut(subscribers, set)

		case set, ok := <-preSub.C:
			if !ok {
				h.logger.Warn("Presence feed closed, stopping hub")
				h.Stop()
				return
			}
			applyPresenceSet(presenceMap, set)
			h.fanOut(subscribers, set)

		case msg := <-h.inbox:
			switch cmd := msg.(type) {
			case subscribeCmd:
				nextID++
				sub := &Subscriber{
					id:  nextID,
					ch:  make(chan *store.ChangeSet, h.opts.SubscriberBuffer),
					hub: h,
				}
				sub.C = sub.ch
				subscribers[sub.id] = sub
				metrics.HubSubscribers.Inc()
				cmd.reply <- subscribeReply{
					sub: sub,
					snap: Snapshot{
						Objects:  visibleObjects(objects),
						Presence: visiblePresence(presenceMap, h.opts.Stale),
					},
				}

			case unsubscribeCmd:
				if sub, ok := subscribers[cmd.id]; ok {
					delete(subscribers, cmd.id)
					close(sub.ch)
					metrics.HubSubscribers.Dec()
					if len(subscribers) == 0 {
						idleSince = time.Now()
					}
				}

			case stateQuery:
				cmd.reply <- buildStateReply(objects, cmd.mergeIDs, cmd.deleteIDs)

			case statsQuery:
				cmd.reply <- Stats{
					Subscribers: len(subscribers),
					Objects:     len(objects),
					IdleSince:   idleSince,
				}
			}

		case <-ticker.C:
			if h.tracker != nil && h.reaping.CompareAndSwap(false, true) {
				go func() {
					defer h.reaping.Store(false)
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if _, err := h.tracker.Reap(ctx); err != nil {
						h.logger.Warn("Presence reap failed", "error", err)
					}
				}()
			}
		}
	}
}

// fanOut delivers the set to every subscriber without blocking. A full
// buffer means the subscriber cannot keep up; it is closed rather than
// allowed to skew delivery order.
func (h *Hub) fanOut(subscribers map[uint64]*Subscriber, set *store.ChangeSet) {
	for id, sub := range subscribers {
		select {
		case sub.ch <- set:
		default:
			h.logger.Warn("Closing subscriber that fell behind", "subscriber_id", id)
			delete(subscribers, id)
			close(sub.ch)
			metrics.HubLaggedSubscribers.Inc()
			metrics.HubSubscribers.Dec()
		}
	}
}

func applyObjectSet(objects map[string]*board.Object, set *store.ChangeSet) {
	for _, change := range set.Objects {
		switch change.Kind {
		case store.ChangeRemoved:
			delete(objects, change.ObjectID)
		default:
			if change.Object != nil {
				objects[change.ObjectID] = change.Object
			}
		}
	}
}

func applyPresenceSet(presenceMap map[string]*store.PresenceEntry, set *store.ChangeSet) {
	for _, change := range set.Presence {
		switch change.Kind {
		case store.ChangeRemoved:
			delete(presenceMap, change.UserID)
		default:
			if change.Entry != nil {
				presenceMap[change.UserID] = change.Entry
			}
		}
	}
}

func visibleObjects(objects map[string]*board.Object) []*board.Object {
	all := make([]*board.Object, 0, len(objects))
	for _, obj := range objects {
		all = append(all, obj)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return board.Visible(all)
}

func visiblePresence(presenceMap map[string]*store.PresenceEntry, stale time.Duration) []*store.PresenceEntry {
	all := make([]*store.PresenceEntry, 0, len(presenceMap))
	for _, e := range presenceMap {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UserID < all[j].UserID })
	return presence.Visible(all, time.Now(), stale)
}

// buildStateReply resolves merge targets' types and walks the delete
// cascade: connectors attached, directly or through other connectors,
// to a doomed object are doomed too.
func buildStateReply(objects map[string]*board.Object, mergeIDs, deleteIDs []string) stateReply {
	reply := stateReply{types: make(map[string]board.ObjectType, len(mergeIDs))}
	for _, id := range mergeIDs {
		if obj, ok := objects[id]; ok && obj.Type != "" {
			reply.types[id] = obj.Type
		}
	}

	if len(deleteIDs) == 0 {
		return reply
	}
	doomed := make(map[string]bool, len(deleteIDs))
	for _, id := range deleteIDs {
		doomed[id] = true
	}

	var cascade []string
	for changed := true; changed; {
		changed = false
		for _, obj := range objects {
			if obj.Type != board.TypeConnector || doomed[obj.ID] {
				continue
			}
			if doomed[obj.ConnectedFrom] || doomed[obj.ConnectedTo] {
				doomed[obj.ID] = true
				cascade = append(cascade, obj.ID)
				changed = true
			}
		}
	}
	sort.Strings(cascade)
	reply.cascade = cascade
	return reply
}
