package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencanvas/collabd/pkg/store"
)

func TestListBoardsHandler(t *testing.T) {
	fs := newFakeBoardStore()
	fs.boards["board-a"] = &store.Board{ID: "board-a", Name: "board-a", CreatedAt: time.Now()}
	fs.boards["board-b"] = &store.Board{ID: "board-b", Name: "board-b", CreatedAt: time.Now()}
	s := newTestServer(t, fs)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/boards", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[BoardListResponse](t, rec)
	require.Len(t, resp.Boards, 2)
	assert.Equal(t, "board-a", resp.Boards[0].ID)
	assert.Equal(t, "board-b", resp.Boards[1].ID)
}

func TestGetBoardHandler(t *testing.T) {
	fs := newFakeBoardStore()
	fs.boards["board-a"] = &store.Board{ID: "board-a", Name: "board-a", CreatedAt: time.Now()}
	s := newTestServer(t, fs)

	t.Run("returns the board", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/api/v1/boards/board-a", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		b := decodeBody[store.Board](t, rec)
		assert.Equal(t, "board-a", b.ID)
	})

	t.Run("unknown board is 404", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/api/v1/boards/never-drawn-on", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid board id is 400", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/api/v1/boards/"+strings.Repeat("x", 41), nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
