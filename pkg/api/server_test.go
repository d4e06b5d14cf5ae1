package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/config"
	"github.com/opencanvas/collabd/pkg/hub"
	"github.com/opencanvas/collabd/pkg/presence"
	"github.com/opencanvas/collabd/pkg/services"
	"github.com/opencanvas/collabd/pkg/store"
)

const testSecret = "test-signing-secret"

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.Auth{JWTSecret: testSecret, TokenCacheSize: 64},
		Presence: config.Presence{
			ThrottleMS:   1,
			Stale:        time.Minute,
			StaleStore:   2 * time.Minute,
			ReapInterval: time.Minute,
		},
	}
}

// signToken issues an HS256 token the test verifier accepts.
func signToken(t *testing.T, secret, userID string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{"userId": userID, "exp": time.Now().Add(ttl).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

type appliedBatch struct {
	editor string
	writes []store.Write
}

// fakeBoardStore is an in-memory stand-in for the Postgres store. It
// backs the hub registry, the services and the session catchup path,
// echoing applied batches through the object feed the way the real
// store's LISTEN/NOTIFY plumbing does.
type fakeBoardStore struct {
	mu       sync.Mutex
	objects  map[string]*board.Object
	presence map[string]*store.PresenceEntry
	boards   map[string]*store.Board
	applied  []appliedBatch
	nextID   int64

	objFeed chan *store.ChangeSet
	preFeed chan *store.ChangeSet

	healthErr   error
	listenerOK  bool
	catchup     []*store.ChangeSet
	catchupMore bool
	catchupErr  error
}

func newFakeBoardStore(objects ...*board.Object) *fakeBoardStore {
	f := &fakeBoardStore{
		objects:    make(map[string]*board.Object),
		presence:   make(map[string]*store.PresenceEntry),
		boards:     make(map[string]*store.Board),
		objFeed:    make(chan *store.ChangeSet, 64),
		preFeed:    make(chan *store.ChangeSet, 64),
		listenerOK: true,
	}
	for _, obj := range objects {
		f.objects[obj.ID] = obj
	}
	return f
}

// hub.Store

func (f *fakeBoardStore) Subscribe(_ context.Context, _ string) (*store.Subscription, []*board.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.NewLocalSubscription(f.objFeed), f.sortedObjectsLocked(), nil
}

func (f *fakeBoardStore) SubscribePresence(_ context.Context, _ string) (*store.Subscription, []*store.PresenceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.NewLocalSubscription(f.preFeed), f.sortedPresenceLocked(), nil
}

func (f *fakeBoardStore) ApplyBatch(_ context.Context, boardID, editor string, writes []store.Write) (*store.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, appliedBatch{editor: editor, writes: writes})
	f.nextID++

	set := &store.ChangeSet{EventID: f.nextID, BoardID: boardID}
	for _, w := range writes {
		switch w.Op {
		case store.OpDelete:
			delete(f.objects, w.ObjectID)
			set.Objects = append(set.Objects, store.ObjectChange{Kind: store.ChangeRemoved, ObjectID: w.ObjectID})
		case store.OpMerge:
			fields := w.Fields
			kind := store.ChangeAdded
			if cur, ok := f.objects[w.ObjectID]; ok {
				fields = board.MergeFields(cur.FieldMap(), w.Fields)
				kind = store.ChangeModified
			}
			obj, err := board.ObjectFromFields(w.ObjectID, fields)
			if err != nil {
				return nil, err
			}
			obj.LastEditedBy = editor
			f.objects[w.ObjectID] = obj
			set.Objects = append(set.Objects, store.ObjectChange{Kind: kind, ObjectID: w.ObjectID, Object: obj})
		default:
			obj, err := board.ObjectFromFields(w.ObjectID, w.Fields)
			if err != nil {
				return nil, err
			}
			obj.LastEditedBy = editor
			f.objects[w.ObjectID] = obj
			set.Objects = append(set.Objects, store.ObjectChange{Kind: store.ChangeAdded, ObjectID: w.ObjectID, Object: obj})
		}
	}
	f.objFeed <- set
	return set, nil
}

// presence.Store

func (f *fakeBoardStore) UpsertPresence(_ context.Context, boardID string, entry store.PresenceEntry) (*store.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.LastSeen = time.Now()
	kind := store.ChangeAdded
	if _, ok := f.presence[entry.UserID]; ok {
		kind = store.ChangeModified
	}
	stored := entry
	f.presence[entry.UserID] = &stored
	f.nextID++
	set := &store.ChangeSet{
		EventID:  f.nextID,
		BoardID:  boardID,
		Presence: []store.PresenceChange{{Kind: kind, UserID: entry.UserID, Entry: &stored}},
	}
	f.preFeed <- set
	return set, nil
}

func (f *fakeBoardStore) TouchPresence(_ context.Context, boardID, userID string) (*store.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.presence[userID]
	if !ok {
		return &store.ChangeSet{BoardID: boardID}, nil
	}
	entry.LastSeen = time.Now()
	f.nextID++
	set := &store.ChangeSet{
		EventID:  f.nextID,
		BoardID:  boardID,
		Presence: []store.PresenceChange{{Kind: store.ChangeModified, UserID: userID, Entry: entry}},
	}
	f.preFeed <- set
	return set, nil
}

func (f *fakeBoardStore) RemovePresence(_ context.Context, boardID, userID string) (*store.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.presence[userID]; !ok {
		return &store.ChangeSet{BoardID: boardID}, nil
	}
	delete(f.presence, userID)
	f.nextID++
	set := &store.ChangeSet{
		EventID:  f.nextID,
		BoardID:  boardID,
		Presence: []store.PresenceChange{{Kind: store.ChangeRemoved, UserID: userID}},
	}
	f.preFeed <- set
	return set, nil
}

func (f *fakeBoardStore) DeleteStalePresence(_ context.Context, boardID string, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []string
	for userID, entry := range f.presence {
		if entry.LastSeen.Before(cutoff) {
			delete(f.presence, userID)
			removed = append(removed, userID)
		}
	}
	return removed, nil
}

// services.ObjectReader

func (f *fakeBoardStore) ReadObjects(_ context.Context, _ string) ([]*board.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedObjectsLocked(), nil
}

func (f *fakeBoardStore) GetObject(_ context.Context, _, objectID string) (*board.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[objectID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return obj, nil
}

// services.PresenceReader

func (f *fakeBoardStore) ReadPresence(_ context.Context, _ string) ([]*store.PresenceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedPresenceLocked(), nil
}

// services.BoardReader

func (f *fakeBoardStore) GetBoard(_ context.Context, boardID string) (*store.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boards[boardID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (f *fakeBoardStore) ListBoards(_ context.Context) ([]*store.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Board, 0, len(f.boards))
	for _, b := range f.boards {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// storeHealth

func (f *fakeBoardStore) Health(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeBoardStore) ListenerUp() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listenerOK
}

func (f *fakeBoardStore) Stats() map[string]any {
	return map[string]any{"open_connections": 1}
}

// eventSource

func (f *fakeBoardStore) ChangesSince(_ context.Context, _ string, _ int64) ([]*store.ChangeSet, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.catchup, f.catchupMore, f.catchupErr
}

func (f *fakeBoardStore) sortedObjectsLocked() []*board.Object {
	out := make([]*board.Object, 0, len(f.objects))
	for _, obj := range f.objects {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeBoardStore) sortedPresenceLocked() []*store.PresenceEntry {
	out := make([]*store.PresenceEntry, 0, len(f.presence))
	for _, entry := range f.presence {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (f *fakeBoardStore) lastApplied() *appliedBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return nil
	}
	return &f.applied[len(f.applied)-1]
}

// newTestServer assembles a Server over the fake store: real services,
// a real hub registry, the production route table.
func newTestServer(t *testing.T, fs *fakeBoardStore) *Server {
	t.Helper()
	cfg := testConfig()

	registry := hub.NewRegistry(fs, fs, hub.RegistryConfig{
		Presence: presence.Options{
			Throttle:   cfg.Presence.Throttle(),
			Stale:      cfg.Presence.Stale,
			StaleStore: cfg.Presence.StaleStore,
		},
		IdleGrace:     time.Minute,
		SweepInterval: time.Minute,
	})
	t.Cleanup(registry.Close)

	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		store:    fs,
		events:   fs,
		registry: registry,
		boards:   services.NewBoardService(fs),
		objects:  services.NewObjectService(fs, registry),
		presence: services.NewPresenceService(fs, cfg.Presence.Stale),
		verifier: NewTokenVerifier(cfg.Auth),
		metrics:  promhttp.Handler(),
		logger:   slog.Default().With("component", "api"),
	}
	s.echo.Use(securityHeaders())
	s.echo.Use(corsHeaders())
	s.routes()
	return s
}

// doJSON runs one request through the full router and middleware chain.
func doJSON(t *testing.T, s *Server, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func authHeader(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
