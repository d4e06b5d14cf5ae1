package store

import (
	"context"
	"fmt"
	"time"
)

// Health verifies the database is reachable.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// ListenerUp reports whether the NOTIFY listener connection is live.
// While it reconnects, local mutations still fan out but changes from
// other processes are delayed until catch-up.
func (s *Store) ListenerUp() bool {
	return s.listener != nil && s.listener.Up()
}

// Stats reports connection pool statistics for the health endpoint.
func (s *Store) Stats() map[string]any {
	st := s.db.Stats()
	return map[string]any{
		"open_connections": st.OpenConnections,
		"in_use":           st.InUse,
		"idle":             st.Idle,
		"wait_count":       st.WaitCount,
		"wait_duration_ms": st.WaitDuration.Milliseconds(),
	}
}
