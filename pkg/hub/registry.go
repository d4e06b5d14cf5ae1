package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opencanvas/collabd/pkg/presence"
	"github.com/opencanvas/collabd/pkg/store"
)

// RegistryConfig tunes hub creation and eviction.
type RegistryConfig struct {
	Hub      Options
	Presence presence.Options
	// IdleGrace is how long a hub may sit without subscribers before
	// the sweep stops it.
	IdleGrace time.Duration
	// SweepInterval is how often idle hubs are checked.
	SweepInterval time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.IdleGrace <= 0 {
		c.IdleGrace = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Registry creates hubs on demand and evicts them once idle. Boards
// with no connected clients and no recent mutations carry no cost
// beyond their rows.
type Registry struct {
	store         Store
	presenceStore presence.Store
	cfg           RegistryConfig
	logger        *slog.Logger

	mu   sync.Mutex
	hubs map[string]*Hub

	done     chan struct{}
	stopOnce sync.Once
	swept    chan struct{}
}

// NewRegistry starts the idle sweep and returns the registry.
func NewRegistry(s Store, ps presence.Store, cfg RegistryConfig) *Registry {
	r := &Registry{
		store:         s,
		presenceStore: ps,
		cfg:           cfg.withDefaults(),
		logger:        slog.Default().With("component", "hub_registry"),
		hubs:          make(map[string]*Hub),
		done:          make(chan struct{}),
		swept:         make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the sweep and every hub.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.done) })
	<-r.swept

	r.mu.Lock()
	hubs := r.hubs
	r.hubs = make(map[string]*Hub)
	r.mu.Unlock()

	for _, h := range hubs {
		h.Stop()
	}
}

// Subscribe attaches to the board's hub, creating it if needed. A hub
// that stopped between lookup and use is replaced transparently.
func (r *Registry) Subscribe(ctx context.Context, boardID string) (*Subscriber, Snapshot, error) {
	for attempt := 0; ; attempt++ {
		h, err := r.get(ctx, boardID)
		if err != nil {
			return nil, Snapshot{}, err
		}
		sub, snap, err := h.Subscribe(ctx)
		if errors.Is(err, ErrClosed) && attempt == 0 {
			r.drop(boardID, h)
			continue
		}
		return sub, snap, err
	}
}

// Apply routes a mutation through the board's hub.
func (r *Registry) Apply(ctx context.Context, boardID, editor string, writes []store.Write) (*store.ChangeSet, error) {
	for attempt := 0; ; attempt++ {
		h, err := r.get(ctx, boardID)
		if err != nil {
			return nil, err
		}
		set, err := h.Apply(ctx, editor, writes)
		if errors.Is(err, ErrClosed) && attempt == 0 {
			r.drop(boardID, h)
			continue
		}
		return set, err
	}
}

// Tracker returns the board's presence tracker, creating the hub if
// needed.
func (r *Registry) Tracker(ctx context.Context, boardID string) (*presence.Tracker, error) {
	h, err := r.get(ctx, boardID)
	if err != nil {
		return nil, err
	}
	return h.Tracker(), nil
}

// ActiveHubs reports how many hubs are currently running.
func (r *Registry) ActiveHubs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

func (r *Registry) get(ctx context.Context, boardID string) (*Hub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return nil, ErrClosed
	default:
	}

	if h, ok := r.hubs[boardID]; ok && !h.Stopped() {
		return h, nil
	}

	tracker := presence.NewTracker(boardID, r.presenceStore, r.cfg.Presence)
	h, err := New(ctx, boardID, r.store, tracker, r.cfg.Hub)
	if err != nil {
		return nil, err
	}
	r.hubs[boardID] = h
	return h, nil
}

func (r *Registry) drop(boardID string, h *Hub) {
	r.mu.Lock()
	if cur, ok := r.hubs[boardID]; ok && cur == h {
		delete(r.hubs, boardID)
	}
	r.mu.Unlock()
	h.Stop()
}

func (r *Registry) sweepLoop() {
	defer close(r.swept)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweepIdle()
		}
	}
}

func (r *Registry) sweepIdle() {
	r.mu.Lock()
	candidates := make(map[string]*Hub, len(r.hubs))
	for id, h := range r.hubs {
		candidates[id] = h
	}
	r.mu.Unlock()

	for boardID, h := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		stats, err := h.Stats(ctx)
		cancel()
		if errors.Is(err, ErrClosed) {
			r.drop(boardID, h)
			continue
		}
		if err != nil {
			continue
		}
		if stats.Subscribers == 0 && time.Since(stats.IdleSince) > r.cfg.IdleGrace {
			r.logger.Info("Evicting idle hub", "board_id", boardID)
			r.drop(boardID, h)
		}
	}
}
