package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/hub"
	"github.com/opencanvas/collabd/pkg/metrics"
	"github.com/opencanvas/collabd/pkg/presence"
	"github.com/opencanvas/collabd/pkg/store"
)

const (
	// wsWriteTimeout bounds each WebSocket send so one stalled client
	// cannot wedge its forwarding goroutine.
	wsWriteTimeout = 5 * time.Second

	// leaveTimeout bounds the presence cleanup after a disconnect.
	leaveTimeout = 5 * time.Second
)

// wsClientMessage is one client→server frame.
type wsClientMessage struct {
	Action      string         `json:"action"`
	BoardID     string         `json:"boardId,omitempty"`
	ObjectID    string         `json:"objectId,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	Cursor      *store.Cursor  `json:"cursor,omitempty"`
	CursorColor string         `json:"cursorColor,omitempty"`
	LastEventID *int64         `json:"lastEventId,omitempty"`
}

// wsEvent is one server→client frame.
type wsEvent struct {
	Type         string               `json:"type"`
	ConnectionID string               `json:"connectionId,omitempty"`
	BoardID      string               `json:"boardId,omitempty"`
	EventID      int64                `json:"eventId,omitempty"`
	ObjectID     string               `json:"objectId,omitempty"`
	Object       *board.Object        `json:"object,omitempty"`
	UserID       string               `json:"userId,omitempty"`
	User         *store.PresenceEntry `json:"user,omitempty"`
	Action       string               `json:"action,omitempty"`
	Message      string               `json:"message,omitempty"`
}

// boardSub is one board subscription held by a session. closed marks a
// deliberate teardown so the forwarding goroutine can tell an
// unsubscribe from a lapsed subscription.
type boardSub struct {
	boardID string
	sub     *hub.Subscriber
	closed  atomic.Bool
}

// wsSession is one WebSocket client. Session state (the subscription
// map, the presence bookkeeping) is owned by the read-loop goroutine;
// forwarding goroutines only send frames. Concurrent sends are safe:
// the websocket connection serializes writers internally.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	id     string

	// userID is the identity verified at the handshake, empty for
	// anonymous sessions.
	userID string

	boards map[string]*boardSub
	// joined tracks boardID → userIDs whose presence this session
	// wrote, so a disconnect can remove their cursors immediately
	// instead of waiting out the staleness window.
	joined map[string]map[string]bool

	logger *slog.Logger
}

func newWSSession(s *Server, conn *websocket.Conn, userID string) *wsSession {
	id := uuid.New().String()
	return &wsSession{
		server: s,
		conn:   conn,
		id:     id,
		userID: userID,
		boards: make(map[string]*boardSub),
		joined: make(map[string]map[string]bool),
		logger: s.logger.With("connection_id", id),
	}
}

// run processes client frames until the connection closes.
func (w *wsSession) run(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer w.cleanup()

	metrics.WSConnectionsTotal.Inc()
	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	w.logger.Info("WebSocket connected", "user_id", w.userID)
	w.sendJSON(ctx, &wsEvent{Type: "connection.established", ConnectionID: w.id})

	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			w.logger.Info("WebSocket disconnected", "error", err)
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Warn("Invalid WebSocket message", "error", err)
			w.sendJSON(ctx, &wsEvent{Type: "error", Message: "malformed message"})
			continue
		}

		w.handle(ctx, &msg)
	}
}

// handle dispatches one client frame. Runs on the read-loop goroutine.
func (w *wsSession) handle(ctx context.Context, msg *wsClientMessage) {
	switch msg.Action {
	case "subscribe":
		w.handleSubscribe(ctx, msg)
	case "unsubscribe":
		w.handleUnsubscribe(msg)
	case "object.create", "object.update", "object.delete":
		w.handleObjectMutation(ctx, msg)
	case "presence.update":
		w.handlePresenceUpdate(ctx, msg)
	case "presence.leave":
		w.handlePresenceLeave(ctx, msg)
	case "catchup":
		w.handleCatchup(ctx, msg)
	case "ping":
		w.sendJSON(ctx, &wsEvent{Type: "pong"})
	default:
		w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, Message: "unknown action"})
	}
}

// handleSubscribe attaches the session to a board's hub and replays the
// current state: every visible object as object.added, live cursors as
// presence.updated, then a board.sync marker. Subscribing to a board the
// session already follows tears down the old feed first, which is how a
// client recovers from a lapsed subscription.
func (w *wsSession) handleSubscribe(ctx context.Context, msg *wsClientMessage) {
	if msg.BoardID == "" {
		w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, Message: "boardId is required"})
		return
	}

	if old, ok := w.boards[msg.BoardID]; ok {
		old.closed.Store(true)
		old.sub.Close()
		delete(w.boards, msg.BoardID)
	}

	sub, snap, err := w.server.registry.Subscribe(ctx, msg.BoardID)
	if err != nil {
		w.logger.Warn("Board subscription failed", "board_id", msg.BoardID, "error", err)
		w.sendJSON(ctx, &wsEvent{Type: "subscription.error", BoardID: msg.BoardID, Message: "failed to subscribe"})
		return
	}

	bs := &boardSub{boardID: msg.BoardID, sub: sub}
	w.boards[msg.BoardID] = bs

	w.sendJSON(ctx, &wsEvent{Type: "subscription.confirmed", BoardID: msg.BoardID})

	for _, obj := range board.Visible(snap.Objects) {
		w.sendJSON(ctx, &wsEvent{Type: "object.added", BoardID: msg.BoardID, ObjectID: obj.ID, Object: obj})
	}
	stale := w.server.cfg.Presence.Stale
	for _, entry := range presence.Visible(snap.Presence, time.Now(), stale) {
		w.sendJSON(ctx, &wsEvent{Type: "presence.updated", BoardID: msg.BoardID, UserID: entry.UserID, User: entry})
	}
	w.sendJSON(ctx, &wsEvent{Type: "board.sync", BoardID: msg.BoardID})

	go w.forward(ctx, bs)
}

func (w *wsSession) handleUnsubscribe(msg *wsClientMessage) {
	bs, ok := w.boards[msg.BoardID]
	if !ok {
		return
	}
	bs.closed.Store(true)
	bs.sub.Close()
	delete(w.boards, msg.BoardID)
}

// forward pumps committed change sets from the hub to the client. The
// feed channel closes when the session unsubscribes, the hub stops, or
// the subscriber fell too far behind; only the latter two warrant
// telling the client to resubscribe.
func (w *wsSession) forward(ctx context.Context, bs *boardSub) {
	for set := range bs.sub.C {
		w.sendChangeSet(ctx, bs.boardID, set)
	}
	if bs.closed.Load() {
		return
	}
	w.sendJSON(ctx, &wsEvent{
		Type:    "subscription.error",
		BoardID: bs.boardID,
		Message: "subscription lapsed; resubscribe to resume",
	})
}

// sendChangeSet renders one committed change set as client frames.
func (w *wsSession) sendChangeSet(ctx context.Context, boardID string, set *store.ChangeSet) {
	for _, oc := range set.Objects {
		evt := &wsEvent{BoardID: boardID, EventID: set.EventID, ObjectID: oc.ObjectID, Object: oc.Object}
		switch oc.Kind {
		case store.ChangeAdded:
			evt.Type = "object.added"
		case store.ChangeModified:
			evt.Type = "object.modified"
		case store.ChangeRemoved:
			evt.Type = "object.removed"
			evt.Object = nil
		default:
			continue
		}
		w.sendJSON(ctx, evt)
	}
	for _, pc := range set.Presence {
		evt := &wsEvent{BoardID: boardID, UserID: pc.UserID, User: pc.Entry}
		switch pc.Kind {
		case store.ChangeAdded, store.ChangeModified:
			evt.Type = "presence.updated"
		case store.ChangeRemoved:
			evt.Type = "presence.removed"
			evt.User = nil
		default:
			continue
		}
		w.sendJSON(ctx, evt)
	}
}

// handleObjectMutation routes object.create, object.update and
// object.delete through the object service so WebSocket writes obey the
// same validation and serialization as REST ones. The mutation is not
// echoed directly; it comes back through the hub feed in commit order.
func (w *wsSession) handleObjectMutation(ctx context.Context, msg *wsClientMessage) {
	if msg.BoardID == "" {
		w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, Message: "boardId is required"})
		return
	}

	editor := w.effectiveUser(msg.UserID)
	var err error
	switch msg.Action {
	case "object.create":
		_, err = w.server.objects.Create(ctx, msg.BoardID, editor, msg.ObjectID, msg.Fields)
	case "object.update":
		if msg.ObjectID == "" {
			w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, Message: "objectId is required"})
			return
		}
		_, err = w.server.objects.Merge(ctx, msg.BoardID, editor, msg.ObjectID, msg.Fields)
	case "object.delete":
		if msg.ObjectID == "" {
			w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, Message: "objectId is required"})
			return
		}
		err = w.server.objects.Delete(ctx, msg.BoardID, editor, msg.ObjectID)
	}
	if err != nil {
		w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, BoardID: msg.BoardID, ObjectID: msg.ObjectID, Message: err.Error()})
	}
}

// handlePresenceUpdate records a cursor move. Writes inside the
// throttle window coalesce; the trailing position flushes when the
// window reopens, so errors here are already rare and are only logged.
func (w *wsSession) handlePresenceUpdate(ctx context.Context, msg *wsClientMessage) {
	if msg.BoardID == "" {
		w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, Message: "boardId is required"})
		return
	}
	userID := w.effectiveUser(msg.UserID)

	tracker, err := w.server.registry.Tracker(ctx, msg.BoardID)
	if err != nil {
		w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, BoardID: msg.BoardID, Message: "board unavailable"})
		return
	}

	entry := store.PresenceEntry{
		UserID:      userID,
		DisplayName: msg.DisplayName,
		CursorColor: msg.CursorColor,
	}
	if msg.Cursor != nil {
		entry.Cursor = *msg.Cursor
	}
	if err := tracker.Update(ctx, entry); err != nil {
		w.logger.Warn("Presence update failed", "board_id", msg.BoardID, "user_id", userID, "error", err)
		return
	}

	users := w.joined[msg.BoardID]
	if users == nil {
		users = make(map[string]bool)
		w.joined[msg.BoardID] = users
	}
	users[userID] = true
}

func (w *wsSession) handlePresenceLeave(ctx context.Context, msg *wsClientMessage) {
	if msg.BoardID == "" {
		w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, Message: "boardId is required"})
		return
	}
	userID := w.effectiveUser(msg.UserID)

	tracker, err := w.server.registry.Tracker(ctx, msg.BoardID)
	if err != nil {
		return
	}
	if err := tracker.Leave(ctx, userID); err != nil {
		w.logger.Warn("Presence leave failed", "board_id", msg.BoardID, "user_id", userID, "error", err)
	}
	if users, ok := w.joined[msg.BoardID]; ok {
		delete(users, userID)
	}
}

// handleCatchup replays committed change sets after the client's last
// seen event id. A gap wider than the store's replay cap cannot be
// paginated; catchup.overflow tells the client to resubscribe for a
// fresh snapshot instead.
func (w *wsSession) handleCatchup(ctx context.Context, msg *wsClientMessage) {
	if msg.BoardID == "" || msg.LastEventID == nil {
		w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, Message: "boardId and lastEventId are required"})
		return
	}

	sets, hasMore, err := w.server.events.ChangesSince(ctx, msg.BoardID, *msg.LastEventID)
	if err != nil {
		w.logger.Error("Catchup query failed", "board_id", msg.BoardID, "error", err)
		w.sendJSON(ctx, &wsEvent{Type: "error", Action: msg.Action, BoardID: msg.BoardID, Message: "catchup failed"})
		return
	}

	for _, set := range sets {
		w.sendChangeSet(ctx, msg.BoardID, set)
	}
	if hasMore {
		metrics.CatchupOverflows.Inc()
		w.sendJSON(ctx, &wsEvent{Type: "catchup.overflow", BoardID: msg.BoardID})
	}
}

// effectiveUser resolves the identity a frame acts under. The
// handshake-verified user wins; otherwise the frame's stamp is trusted.
func (w *wsSession) effectiveUser(stamped string) string {
	if w.userID != "" {
		return w.userID
	}
	if stamped != "" {
		return stamped
	}
	return "api-client"
}

// cleanup tears down subscriptions and removes the cursors this session
// wrote. Runs after the read loop exits, when the request context is
// already dead, so presence removal gets a short detached context.
func (w *wsSession) cleanup() {
	for _, bs := range w.boards {
		bs.closed.Store(true)
		bs.sub.Close()
	}

	if len(w.joined) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	for boardID, users := range w.joined {
		tracker, err := w.server.registry.Tracker(ctx, boardID)
		if err != nil {
			continue
		}
		for userID := range users {
			if err := tracker.Leave(ctx, userID); err != nil {
				w.logger.Warn("Presence cleanup failed", "board_id", boardID, "user_id", userID, "error", err)
			}
		}
	}
}

// sendJSON marshals and sends one frame with a write timeout. Send
// failures are logged, not returned; a dead connection surfaces in the
// read loop.
func (w *wsSession) sendJSON(ctx context.Context, evt *wsEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("Failed to marshal WebSocket event", "type", evt.Type, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := w.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		w.logger.Warn("Failed to send WebSocket event", "type", evt.Type, "error", err)
		return
	}
	metrics.WSFramesSent.Inc()
}
