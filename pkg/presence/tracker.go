// Package presence maintains per-board ephemeral presence: cursor
// positions, display names, and liveness. Cursor updates arrive at
// pointer-move rate; the tracker throttles store writes per user while
// guaranteeing the final position of a burst is eventually written.
package presence

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opencanvas/collabd/pkg/metrics"
	"github.com/opencanvas/collabd/pkg/store"
)

// cursorPalette is assigned to users who join without a color, keyed
// stably off the user id.
var cursorPalette = []string{
	"#F24822", "#FFA629", "#FFCD29", "#14AE5C",
	"#0D99FF", "#9747FF", "#FF24BD", "#757575",
}

// Store is the slice of the persistence layer the tracker needs.
type Store interface {
	UpsertPresence(ctx context.Context, boardID string, entry store.PresenceEntry) (*store.ChangeSet, error)
	TouchPresence(ctx context.Context, boardID, userID string) (*store.ChangeSet, error)
	RemovePresence(ctx context.Context, boardID, userID string) (*store.ChangeSet, error)
	DeleteStalePresence(ctx context.Context, boardID string, cutoff time.Time) ([]string, error)
}

// Options tunes throttling and staleness.
type Options struct {
	// Throttle is the minimum interval between store writes per user.
	Throttle time.Duration
	// Stale is how long after the last heartbeat an entry is still
	// shown to other users.
	Stale time.Duration
	// StaleStore is how long an entry may linger in the store before
	// the reaper deletes it. Must be >= Stale.
	StaleStore time.Duration
}

// Tracker throttles and persists presence for a single board. Safe for
// concurrent use.
type Tracker struct {
	boardID string
	store   Store
	opts    Options
	logger  *slog.Logger

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	limiter *rate.Limiter
	// pending holds the newest update that arrived inside the throttle
	// window; flushTimer writes it when the window reopens.
	pending    *store.PresenceEntry
	flushTimer *time.Timer
	last       store.PresenceEntry
	lastActive time.Time
}

// NewTracker creates a tracker for one board.
func NewTracker(boardID string, s Store, opts Options) *Tracker {
	return &Tracker{
		boardID: boardID,
		store:   s,
		opts:    opts,
		logger:  slog.Default().With("component", "presence", "board_id", boardID),
		users:   make(map[string]*userState),
	}
}

// Join writes the user's entry immediately, assigning a cursor color
// when the client did not pick one.
func (t *Tracker) Join(ctx context.Context, entry store.PresenceEntry) error {
	if entry.CursorColor == "" {
		entry.CursorColor = ColorFor(entry.UserID)
	}

	t.mu.Lock()
	state := t.stateLocked(entry.UserID)
	state.last = entry
	state.lastActive = time.Now()
	t.mu.Unlock()

	_, err := t.store.UpsertPresence(ctx, t.boardID, entry)
	return err
}

// Update records a cursor move. Writes are limited to one per throttle
// interval per user; positions arriving inside the window replace the
// pending one, and the last of a burst is flushed when the window
// reopens.
func (t *Tracker) Update(ctx context.Context, entry store.PresenceEntry) error {
	t.mu.Lock()
	state := t.stateLocked(entry.UserID)
	if entry.CursorColor == "" {
		entry.CursorColor = state.last.CursorColor
	}
	if entry.CursorColor == "" {
		entry.CursorColor = ColorFor(entry.UserID)
	}
	if entry.DisplayName == "" {
		entry.DisplayName = state.last.DisplayName
	}
	state.last = entry
	state.lastActive = time.Now()

	if state.limiter.Allow() {
		t.mu.Unlock()
		metrics.PresenceWrites.Inc()
		_, err := t.store.UpsertPresence(ctx, t.boardID, entry)
		return err
	}

	// Inside the throttle window: coalesce and schedule the trailing
	// flush if one is not already pending.
	metrics.PresenceCoalesced.Inc()
	pending := entry
	state.pending = &pending
	if state.flushTimer == nil {
		reservation := state.limiter.Reserve()
		delay := reservation.Delay()
		userID := entry.UserID
		state.flushTimer = time.AfterFunc(delay, func() { t.flush(userID) })
	}
	t.mu.Unlock()
	return nil
}

func (t *Tracker) flush(userID string) {
	t.mu.Lock()
	state, ok := t.users[userID]
	if !ok || state.pending == nil {
		if ok {
			state.flushTimer = nil
		}
		t.mu.Unlock()
		return
	}
	entry := *state.pending
	state.pending = nil
	state.flushTimer = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metrics.PresenceWrites.Inc()
	if _, err := t.store.UpsertPresence(ctx, t.boardID, entry); err != nil {
		t.logger.Warn("Failed to flush pending cursor", "user_id", userID, "error", err)
	}
}

// Touch refreshes the user's liveness without moving the cursor. If
// the entry was reaped in the meantime it is re-created from the last
// known state.
func (t *Tracker) Touch(ctx context.Context, userID string) error {
	t.mu.Lock()
	state, ok := t.users[userID]
	var last store.PresenceEntry
	if ok {
		state.lastActive = time.Now()
		last = state.last
	}
	t.mu.Unlock()

	_, err := t.store.TouchPresence(ctx, t.boardID, userID)
	if errors.Is(err, store.ErrNotFound) && ok {
		_, err = t.store.UpsertPresence(ctx, t.boardID, last)
	}
	return err
}

// Leave removes the user's entry and drops local throttle state.
func (t *Tracker) Leave(ctx context.Context, userID string) error {
	t.mu.Lock()
	if state, ok := t.users[userID]; ok {
		if state.flushTimer != nil {
			state.flushTimer.Stop()
		}
		delete(t.users, userID)
	}
	t.mu.Unlock()

	_, err := t.store.RemovePresence(ctx, t.boardID, userID)
	return err
}

// Reap deletes store entries whose last heartbeat is older than
// StaleStore and prunes matching local state. Returns how many entries
// were removed.
func (t *Tracker) Reap(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-t.opts.StaleStore)
	removed, err := t.store.DeleteStalePresence(ctx, t.boardID, cutoff)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	for _, userID := range removed {
		if state, ok := t.users[userID]; ok {
			if state.flushTimer != nil {
				state.flushTimer.Stop()
			}
			delete(t.users, userID)
		}
	}
	// Prune locally tracked users that disconnected without leaving
	// and have no store entry left to reap.
	for userID, state := range t.users {
		if time.Since(state.lastActive) > t.opts.StaleStore {
			if state.flushTimer != nil {
				state.flushTimer.Stop()
			}
			delete(t.users, userID)
		}
	}
	t.mu.Unlock()

	if len(removed) > 0 {
		t.logger.Debug("Reaped stale presence", "count", len(removed))
	}
	return len(removed), nil
}

// Close stops pending flush timers without touching the store.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, state := range t.users {
		if state.flushTimer != nil {
			state.flushTimer.Stop()
		}
	}
	t.users = make(map[string]*userState)
}

func (t *Tracker) stateLocked(userID string) *userState {
	state, ok := t.users[userID]
	if !ok {
		interval := t.opts.Throttle
		if interval <= 0 {
			interval = time.Millisecond
		}
		state = &userState{
			limiter: rate.NewLimiter(rate.Every(interval), 1),
		}
		t.users[userID] = state
	}
	return state
}

// Visible filters entries to those fresh enough to display.
func Visible(entries []*store.PresenceEntry, now time.Time, stale time.Duration) []*store.PresenceEntry {
	out := make([]*store.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Stale(now, stale) {
			out = append(out, e)
		}
	}
	return out
}

// ColorFor deterministically picks a palette color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return cursorPalette[h.Sum32()%uint32(len(cursorPalette))]
}
