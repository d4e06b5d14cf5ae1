package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/ids"
	"github.com/opencanvas/collabd/test/util"
)

// newTestStore wires a real Store against a schema-isolated PostgreSQL
// database (testcontainers locally, service container in CI).
func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := Config{
		URL:             util.SetupTestDatabase(t),
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stickyFields(text string) map[string]any {
	return map[string]any{
		"type":   string(board.TypeSticky),
		"x":      10.0,
		"y":      20.0,
		"width":  100.0,
		"height": 80.0,
		"text":   text,
	}
}

func TestApplyBatch_CreateMergeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()
	objectID := ids.NewObjectID()

	set, err := s.PutObject(ctx, boardID, "alice", OpCreate, objectID, stickyFields("hello"))
	require.NoError(t, err)
	require.Len(t, set.Objects, 1)
	assert.Equal(t, ChangeAdded, set.Objects[0].Kind)
	assert.Positive(t, set.EventID)

	created := set.Objects[0].Object
	require.NotNil(t, created)
	assert.Equal(t, board.TypeSticky, created.Type)
	assert.Equal(t, "alice", created.LastEditedBy)
	assert.False(t, created.UpdatedAt.IsZero())

	// Merge updates named fields and deletes nil ones.
	set, err = s.PutObject(ctx, boardID, "bob", OpMerge, objectID, map[string]any{
		"x":    55.0,
		"text": nil,
	})
	require.NoError(t, err)
	require.Len(t, set.Objects, 1)
	assert.Equal(t, ChangeModified, set.Objects[0].Kind)

	merged := set.Objects[0].Object
	assert.Equal(t, 55.0, merged.X)
	assert.Equal(t, 20.0, merged.Y)
	assert.Empty(t, merged.Text)
	assert.Equal(t, "bob", merged.LastEditedBy)
	assert.False(t, merged.UpdatedAt.Before(created.UpdatedAt), "timestamps must be monotonic")

	got, err := s.GetObject(ctx, boardID, objectID)
	require.NoError(t, err)
	assert.Equal(t, 55.0, got.X)
	assert.Empty(t, got.Text)

	set, err = s.DeleteObject(ctx, boardID, "bob", objectID)
	require.NoError(t, err)
	require.Len(t, set.Objects, 1)
	assert.Equal(t, ChangeRemoved, set.Objects[0].Kind)

	_, err = s.GetObject(ctx, boardID, objectID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op, not an error.
	set, err = s.DeleteObject(ctx, boardID, "bob", objectID)
	require.NoError(t, err)
	assert.Empty(t, set.Objects)
	assert.Zero(t, set.EventID)
}

func TestApplyBatch_MergeIntoMissingCreates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()
	objectID := ids.NewObjectID()

	set, err := s.PutObject(ctx, boardID, "alice", OpMerge, objectID, map[string]any{"x": 5.0})
	require.NoError(t, err)
	require.Len(t, set.Objects, 1)
	assert.Equal(t, ChangeAdded, set.Objects[0].Kind)
	assert.Empty(t, set.Objects[0].Object.Type)
}

func TestApplyBatch_ClientStampsStripped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()
	objectID := ids.NewObjectID()

	fields := stickyFields("hi")
	fields["updatedAt"] = "2099-01-01T00:00:00Z"
	fields["lastEditedBy"] = "mallory"
	fields["id"] = "spoofed"

	set, err := s.PutObject(ctx, boardID, "alice", OpCreate, objectID, fields)
	require.NoError(t, err)
	obj := set.Objects[0].Object
	assert.Equal(t, objectID, obj.ID)
	assert.Equal(t, "alice", obj.LastEditedBy)
	assert.True(t, obj.UpdatedAt.Before(time.Now().Add(time.Minute)), "server assigns the timestamp")
}

func TestSubscribe_SnapshotThenLive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()
	existing := ids.NewObjectID()

	_, err := s.PutObject(ctx, boardID, "alice", OpCreate, existing, stickyFields("before"))
	require.NoError(t, err)

	sub, snapshot, err := s.Subscribe(ctx, boardID)
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, snapshot, 1)
	assert.Equal(t, existing, snapshot[0].ID)

	// A batch commits as one set: both writes arrive together.
	first := ids.NewObjectID()
	second := ids.NewObjectID()
	_, err = s.ApplyBatch(ctx, boardID, "bob", []Write{
		{Op: OpCreate, ObjectID: first, Fields: stickyFields("one")},
		{Op: OpCreate, ObjectID: second, Fields: stickyFields("two")},
	})
	require.NoError(t, err)

	set := recvSet(t, sub)
	require.Len(t, set.Objects, 2)
	assert.Equal(t, first, set.Objects[0].ObjectID)
	assert.Equal(t, second, set.Objects[1].ObjectID)

	// The snapshot already covered the first event; it must not be
	// replayed.
	for _, change := range set.Objects {
		assert.NotEqual(t, existing, change.ObjectID)
	}
}

func TestSubscribe_TruncatedPayloadRefetched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()

	sub, _, err := s.Subscribe(ctx, boardID)
	require.NoError(t, err)
	defer sub.Close()

	// A text near the length cap pushes the NOTIFY payload well past
	// 8000 bytes, forcing the truncated envelope and the re-read.
	bigText := strings.Repeat("x", board.MaxTextLength)
	objectID := ids.NewObjectID()
	_, err = s.PutObject(ctx, boardID, "alice", OpCreate, objectID, stickyFields(bigText))
	require.NoError(t, err)

	set := recvSet(t, sub)
	require.Len(t, set.Objects, 1)
	require.NotNil(t, set.Objects[0].Object)
	assert.Equal(t, bigText, set.Objects[0].Object.Text)
}

func TestPresenceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()

	sub, initial, err := s.SubscribePresence(ctx, boardID)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, initial)

	_, err = s.UpsertPresence(ctx, boardID, PresenceEntry{
		UserID:      "u1",
		DisplayName: "Alice",
		Cursor:      Cursor{X: 1, Y: 2},
		CursorColor: "#ff0000",
	})
	require.NoError(t, err)

	set := recvSet(t, sub)
	require.Len(t, set.Presence, 1)
	assert.Equal(t, ChangeAdded, set.Presence[0].Kind)
	assert.Equal(t, "Alice", set.Presence[0].Entry.DisplayName)
	firstSeen := set.Presence[0].Entry.LastSeen
	assert.False(t, firstSeen.IsZero())

	// Keepalive refreshes LastSeen without touching the cursor.
	_, err = s.TouchPresence(ctx, boardID, "u1")
	require.NoError(t, err)

	set = recvSet(t, sub)
	require.Len(t, set.Presence, 1)
	assert.Equal(t, ChangeModified, set.Presence[0].Kind)
	assert.Equal(t, 1.0, set.Presence[0].Entry.Cursor.X)
	assert.False(t, set.Presence[0].Entry.LastSeen.Before(firstSeen))

	_, err = s.RemovePresence(ctx, boardID, "u1")
	require.NoError(t, err)

	set = recvSet(t, sub)
	require.Len(t, set.Presence, 1)
	assert.Equal(t, ChangeRemoved, set.Presence[0].Kind)
	assert.Nil(t, set.Presence[0].Entry)

	_, err = s.TouchPresence(ctx, boardID, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteStalePresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()

	_, err := s.UpsertPresence(ctx, boardID, PresenceEntry{UserID: "old"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	cutoff := time.Now().UTC()
	_, err = s.UpsertPresence(ctx, boardID, PresenceEntry{UserID: "fresh"})
	require.NoError(t, err)

	removed, err := s.DeleteStalePresence(ctx, boardID, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)

	entries, err := s.ReadPresence(ctx, boardID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].UserID)
}

func TestChangesSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()

	var eventIDs []int64
	for i := 0; i < 3; i++ {
		set, err := s.PutObject(ctx, boardID, "alice", OpCreate, ids.NewObjectID(), stickyFields("n"))
		require.NoError(t, err)
		eventIDs = append(eventIDs, set.EventID)
	}

	sets, overflow, err := s.ChangesSince(ctx, boardID, eventIDs[0])
	require.NoError(t, err)
	assert.False(t, overflow)
	require.Len(t, sets, 2)
	assert.Equal(t, eventIDs[1], sets[0].EventID)
	assert.Equal(t, eventIDs[2], sets[1].EventID)

	sets, overflow, err = s.ChangesSince(ctx, boardID, eventIDs[2])
	require.NoError(t, err)
	assert.False(t, overflow)
	assert.Empty(t, sets)
}

func TestChangesSince_Overflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()
	objectID := ids.NewObjectID()

	_, err := s.PutObject(ctx, boardID, "alice", OpCreate, objectID, stickyFields("base"))
	require.NoError(t, err)

	for i := 0; i < catchupLimit+5; i++ {
		_, err := s.PutObject(ctx, boardID, "alice", OpMerge, objectID, map[string]any{"x": float64(i)})
		require.NoError(t, err)
	}

	sets, overflow, err := s.ChangesSince(ctx, boardID, 0)
	require.NoError(t, err)
	assert.True(t, overflow)
	assert.Len(t, sets, catchupLimit)
}

func TestGetChangeSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()

	set, err := s.PutObject(ctx, boardID, "alice", OpCreate, ids.NewObjectID(), stickyFields("hi"))
	require.NoError(t, err)

	got, err := s.GetChangeSet(ctx, set.EventID)
	require.NoError(t, err)
	assert.Equal(t, set.EventID, got.EventID)
	assert.Equal(t, boardID, got.BoardID)
	require.Len(t, got.Objects, 1)

	_, err = s.GetChangeSet(ctx, 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindDanglingConnectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()

	from := ids.NewObjectID()
	to := ids.NewObjectID()
	connector := ids.NewObjectID()

	_, err := s.ApplyBatch(ctx, boardID, "alice", []Write{
		{Op: OpCreate, ObjectID: from, Fields: stickyFields("a")},
		{Op: OpCreate, ObjectID: to, Fields: stickyFields("b")},
		{Op: OpCreate, ObjectID: connector, Fields: map[string]any{
			"type":          string(board.TypeConnector),
			"connectedFrom": from,
			"connectedTo":   to,
		}},
	})
	require.NoError(t, err)

	refs, err := s.FindDanglingConnectors(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, refs)

	_, err = s.DeleteObject(ctx, boardID, "alice", to)
	require.NoError(t, err)

	refs, err = s.FindDanglingConnectors(ctx, 100)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, ConnectorRef{BoardID: boardID, ObjectID: connector}, refs[0])
}

func TestBoardLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()

	_, err := s.GetBoard(ctx, boardID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.EnsureBoard(ctx, boardID))
	require.NoError(t, s.EnsureBoard(ctx, boardID))

	b, err := s.GetBoard(ctx, boardID)
	require.NoError(t, err)
	assert.Equal(t, boardID, b.ID)
	assert.Empty(t, b.Name)

	// Naming an implicitly created board fills in the existing row.
	created, err := s.CreateBoard(ctx, boardID, "Sprint retro", "alice")
	require.NoError(t, err)
	assert.Equal(t, "Sprint retro", created.Name)
	assert.Equal(t, "alice", created.CreatedBy)

	b, err = s.GetBoard(ctx, boardID)
	require.NoError(t, err)
	assert.Equal(t, "Sprint retro", b.Name)

	boards, err := s.ListBoards(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, boards)

	_, err = s.PutObject(ctx, boardID, "alice", OpCreate, ids.NewObjectID(), stickyFields("x"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteBoard(ctx, boardID))
	assert.ErrorIs(t, s.DeleteBoard(ctx, boardID), ErrNotFound)

	objects, err := s.ReadObjects(ctx, boardID)
	require.NoError(t, err)
	assert.Empty(t, objects, "cascade removes the board's objects")
}

func TestPurgeEventsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boardID := ids.NewObjectID()

	_, err := s.PutObject(ctx, boardID, "alice", OpCreate, ids.NewObjectID(), stickyFields("x"))
	require.NoError(t, err)

	purged, err := s.PurgeEventsBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	sets, _, err := s.ChangesSince(ctx, boardID, 0)
	require.NoError(t, err)
	assert.Empty(t, sets)
}
