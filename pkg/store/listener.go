package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	// How long each WaitForNotification call blocks before the loop
	// checks for pending LISTEN/UNLISTEN commands and cancellation.
	notifyWaitWindow = 100 * time.Millisecond

	reconnectInitialDelay = 1 * time.Second
	reconnectMaxDelay     = 30 * time.Second
)

// DispatchFunc receives every notification from channels the listener
// is subscribed to. It runs on the listener goroutine and must not
// block.
type DispatchFunc func(channel, payload string)

// NotifyListener owns a dedicated connection for LISTEN/NOTIFY.
// LISTEN and UNLISTEN cannot run concurrently with
// WaitForNotification on the same connection, so all channel commands
// are funneled through the receive loop via cmdCh.
type NotifyListener struct {
	connString string
	dispatch   DispatchFunc
	logger     *slog.Logger

	mu       sync.Mutex
	conn     *pgx.Conn
	channels map[string]bool

	cmdCh      chan listenCmd
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

type listenCmd struct {
	sql    string
	result chan error
}

// NewNotifyListener creates a listener; call Start to connect.
func NewNotifyListener(connString string, dispatch DispatchFunc) (*NotifyListener, error) {
	if dispatch == nil {
		return nil, fmt.Errorf("dispatch func is required")
	}
	return &NotifyListener{
		connString: connString,
		dispatch:   dispatch,
		logger:     slog.Default().With("component", "notify_listener"),
		channels:   make(map[string]bool),
		cmdCh:      make(chan listenCmd, 16),
	}, nil
}

// Start connects and launches the receive loop. The loop runs until
// Stop is called; ctx only bounds the initial connection attempt.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect listener: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go l.receiveLoop(loopCtx)

	l.logger.Info("Notify listener started")
	return nil
}

// Stop shuts down the receive loop and closes the connection.
func (l *NotifyListener) Stop() error {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		select {
		case <-l.loopDone:
		case <-time.After(5 * time.Second):
			l.logger.Warn("Timed out waiting for receive loop to stop")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.conn.Close(closeCtx); err != nil {
			return fmt.Errorf("failed to close listener connection: %w", err)
		}
		l.conn = nil
	}
	return nil
}

// Up reports whether the dedicated LISTEN connection is currently
// established. The receive loop reconnects on its own, so a false
// result is normally transient.
func (l *NotifyListener) Up() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && !l.conn.IsClosed()
}

// Listen subscribes the connection to a channel. Idempotent.
func (l *NotifyListener) Listen(ctx context.Context, channel string) error {
	l.mu.Lock()
	if l.channels[channel] {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	sql := "LISTEN " + pgx.Identifier{channel}.Sanitize()
	if err := l.runCommand(ctx, sql); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	l.mu.Lock()
	l.channels[channel] = true
	l.mu.Unlock()
	return nil
}

// Unlisten unsubscribes the connection from a channel.
func (l *NotifyListener) Unlisten(ctx context.Context, channel string) error {
	l.mu.Lock()
	if !l.channels[channel] {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	sql := "UNLISTEN " + pgx.Identifier{channel}.Sanitize()
	if err := l.runCommand(ctx, sql); err != nil {
		return fmt.Errorf("failed to unlisten on %s: %w", channel, err)
	}

	l.mu.Lock()
	delete(l.channels, channel)
	l.mu.Unlock()
	return nil
}

func (l *NotifyListener) runCommand(ctx context.Context, sql string) error {
	cmd := listenCmd{sql: sql, result: make(chan error, 1)}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *NotifyListener) receiveLoop(ctx context.Context) {
	defer close(l.loopDone)

	for {
		if ctx.Err() != nil {
			return
		}

		l.processPendingCmds(ctx)

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil || conn.IsClosed() {
			if !l.reconnect(ctx) {
				return
			}
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, notifyWaitWindow)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() == context.DeadlineExceeded {
				continue
			}
			l.logger.Warn("Listener connection lost", "error", err)
			if !l.reconnect(ctx) {
				return
			}
			continue
		}

		l.dispatch(notification.Channel, notification.Payload)
	}
}

func (l *NotifyListener) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()
			if conn == nil || conn.IsClosed() {
				cmd.result <- fmt.Errorf("listener connection is down")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the connection with doubling backoff and
// re-issues LISTEN for every tracked channel. Returns false when ctx
// was canceled before a connection came up.
func (l *NotifyListener) reconnect(ctx context.Context) bool {
	l.mu.Lock()
	if l.conn != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		l.conn.Close(closeCtx)
		cancel()
		l.conn = nil
	}
	l.mu.Unlock()

	delay := reconnectInitialDelay
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			l.logger.Warn("Listener reconnect failed", "error", err, "retry_in", delay)
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		l.mu.Lock()
		channels := make([]string, 0, len(l.channels))
		for ch := range l.channels {
			channels = append(channels, ch)
		}
		l.mu.Unlock()

		relistenFailed := false
		for _, ch := range channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				l.logger.Warn("Failed to re-listen after reconnect", "channel", ch, "error", err)
				relistenFailed = true
				break
			}
		}
		if relistenFailed {
			closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			conn.Close(closeCtx)
			cancel()
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.logger.Info("Listener reconnected", "channels", len(channels))
		return true
	}
}
