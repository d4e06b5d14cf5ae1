// Package cleanup enforces data retention in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/opencanvas/collabd/pkg/config"
	"github.com/opencanvas/collabd/pkg/store"
)

// connectorSweepLimit bounds one reconciliation pass; leftovers are
// picked up on the next tick.
const connectorSweepLimit = 200

// retentionEditor stamps writes issued by the sweeps.
const retentionEditor = "system"

// RetentionStore is the slice of the store the sweeps run against.
type RetentionStore interface {
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAllStalePresence(ctx context.Context, cutoff time.Time) (int64, error)
	FindDanglingConnectors(ctx context.Context, limit int) ([]store.ConnectorRef, error)
}

// BatchApplier routes connector removals through the board's hub so
// subscribed clients see object.removed events; a direct SQL delete
// would leave their canvases stale until the next snapshot.
type BatchApplier interface {
	Apply(ctx context.Context, boardID, editor string, writes []store.Write) (*store.ChangeSet, error)
}

// Service periodically enforces retention policies:
//   - Purges change-log events past their TTL; catch-up across a purged
//     range reports overflow and the client resnapshots
//   - Deletes stale presence rows on boards whose hub (and with it the
//     per-board reaper) has gone idle
//   - Removes connectors whose endpoints no longer exist
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	cfg        config.Retention
	staleStore time.Duration
	store      RetentionStore
	applier    BatchApplier
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service. staleStore is the presence
// row TTL, shared with the per-board reapers.
func NewService(cfg config.Retention, staleStore time.Duration, st RetentionStore, applier BatchApplier) *Service {
	return &Service{
		cfg:        cfg,
		staleStore: staleStore,
		store:      st,
		applier:    applier,
		logger:     slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"event_ttl", s.cfg.EventTTL,
		"interval", s.cfg.Interval)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeOldEvents(ctx)
	s.reapOrphanedPresence(ctx)
	s.removeDanglingConnectors(ctx)
}

func (s *Service) purgeOldEvents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.EventTTL)
	count, err := s.store.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: event purge failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: purged old change events", "count", count)
	}
}

func (s *Service) reapOrphanedPresence(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.staleStore)
	count, err := s.store.DeleteAllStalePresence(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: presence backstop failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: removed stale presence rows", "count", count)
	}
}

// removeDanglingConnectors deletes connectors that lost an endpoint,
// grouped per board so each board commits one batch.
func (s *Service) removeDanglingConnectors(ctx context.Context) {
	refs, err := s.store.FindDanglingConnectors(ctx, connectorSweepLimit)
	if err != nil {
		s.logger.Error("Retention: dangling connector scan failed", "error", err)
		return
	}
	if len(refs) == 0 {
		return
	}

	byBoard := make(map[string][]store.Write)
	for _, ref := range refs {
		byBoard[ref.BoardID] = append(byBoard[ref.BoardID], store.Write{
			Op:       store.OpDelete,
			ObjectID: ref.ObjectID,
		})
	}

	removed := 0
	for boardID, writes := range byBoard {
		if _, err := s.applier.Apply(ctx, boardID, retentionEditor, writes); err != nil {
			s.logger.Error("Retention: connector removal failed", "board_id", boardID, "error", err)
			continue
		}
		removed += len(writes)
	}
	if removed > 0 {
		s.logger.Info("Retention: removed dangling connectors", "count", removed)
	}
}
