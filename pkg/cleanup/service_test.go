package cleanup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencanvas/collabd/pkg/config"
	"github.com/opencanvas/collabd/pkg/store"
)

type fakeRetentionStore struct {
	mu             sync.Mutex
	eventCutoffs   []time.Time
	purged         int64
	presenceCutoff []time.Time
	dangling       []store.ConnectorRef
	danglingErr    error
}

func (f *fakeRetentionStore) PurgeEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCutoffs = append(f.eventCutoffs, cutoff)
	return f.purged, nil
}

func (f *fakeRetentionStore) DeleteAllStalePresence(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presenceCutoff = append(f.presenceCutoff, cutoff)
	return 0, nil
}

func (f *fakeRetentionStore) FindDanglingConnectors(_ context.Context, _ int) ([]store.ConnectorRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dangling, f.danglingErr
}

func (f *fakeRetentionStore) passes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.eventCutoffs)
}

type appliedDeletes struct {
	boardID string
	editor  string
	writes  []store.Write
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []appliedDeletes
	failFor map[string]error
}

func (f *fakeApplier) Apply(_ context.Context, boardID, editor string, writes []store.Write) (*store.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[boardID]; err != nil {
		return nil, err
	}
	f.applied = append(f.applied, appliedDeletes{boardID: boardID, editor: editor, writes: writes})
	return &store.ChangeSet{BoardID: boardID}, nil
}

func testRetention() config.Retention {
	return config.Retention{EventTTL: 24 * time.Hour, Interval: time.Hour}
}

func TestServicePurgesByTTL(t *testing.T) {
	fs := &fakeRetentionStore{}
	svc := NewService(testRetention(), time.Minute, fs, &fakeApplier{})

	before := time.Now().UTC()
	svc.runAll(context.Background())

	require.Len(t, fs.eventCutoffs, 1)
	wantEvents := before.Add(-24 * time.Hour)
	assert.WithinDuration(t, wantEvents, fs.eventCutoffs[0], time.Second)

	require.Len(t, fs.presenceCutoff, 1)
	wantPresence := before.Add(-time.Minute)
	assert.WithinDuration(t, wantPresence, fs.presenceCutoff[0], time.Second)
}

func TestServiceRemovesDanglingConnectors(t *testing.T) {
	fs := &fakeRetentionStore{dangling: []store.ConnectorRef{
		{BoardID: "board-1", ObjectID: "conn-1"},
		{BoardID: "board-2", ObjectID: "conn-2"},
		{BoardID: "board-1", ObjectID: "conn-3"},
	}}
	applier := &fakeApplier{}
	svc := NewService(testRetention(), time.Minute, fs, applier)

	svc.runAll(context.Background())

	require.Len(t, applier.applied, 2, "one batch per board")
	sort.Slice(applier.applied, func(i, j int) bool {
		return applier.applied[i].boardID < applier.applied[j].boardID
	})

	first := applier.applied[0]
	assert.Equal(t, "board-1", first.boardID)
	assert.Equal(t, "system", first.editor)
	require.Len(t, first.writes, 2)
	for _, w := range first.writes {
		assert.Equal(t, store.OpDelete, w.Op)
	}

	second := applier.applied[1]
	assert.Equal(t, "board-2", second.boardID)
	require.Len(t, second.writes, 1)
	assert.Equal(t, "conn-2", second.writes[0].ObjectID)
}

func TestServiceContinuesPastBoardFailure(t *testing.T) {
	fs := &fakeRetentionStore{dangling: []store.ConnectorRef{
		{BoardID: "board-bad", ObjectID: "conn-1"},
		{BoardID: "board-ok", ObjectID: "conn-2"},
	}}
	applier := &fakeApplier{failFor: map[string]error{"board-bad": errors.New("hub closed")}}
	svc := NewService(testRetention(), time.Minute, fs, applier)

	svc.runAll(context.Background())

	require.Len(t, applier.applied, 1, "the healthy board still commits")
	assert.Equal(t, "board-ok", applier.applied[0].boardID)
}

func TestServiceStartStop(t *testing.T) {
	fs := &fakeRetentionStore{}
	svc := NewService(testRetention(), time.Minute, fs, &fakeApplier{})

	svc.Start(context.Background())
	require.Eventually(t, func() bool { return fs.passes() >= 1 },
		2*time.Second, 10*time.Millisecond, "the first pass runs immediately")

	svc.Stop()
	svc.Stop() // second Stop must not hang
}
