package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/clock"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/playback"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/queue"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/repo"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/service"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router http.Handler
	svc    *service.RoomService
	store  *playback.Store
	queue  *queue.Queue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zerolog.Nop()
	pr := repo.NewRedisPlaybackRepo(rdb)
	qr := repo.NewRedisQueueRepo(rdb)
	svc := service.NewRoomService(repo.NewRedisRoomRepo(rdb), service.NewRoomIDGenerator(), 60, logger, pr, qr)
	store := playback.NewStore(pr, clock.NewEstimator(), playback.StoreOptions{TTLSec: 60, CAS: true, Retries: 3}, logger)
	q := queue.New(qr, 60, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	room := NewRoomHandler(svc, store, logger)
	pb := NewPlaybackHandler(svc, store, logger)
	qh := NewQueueHandler(svc, q, store, logger)
	ws := NewWebSocketHandler(ctx, svc, store, q, WebSocketOptions{}, logger)

	r := chi.NewRouter()
	r.Route("/api/v1/room", func(r chi.Router) {
		r.Post("/create", room.Create)
		r.Get("/{roomId}", room.Get)
		r.Post("/{roomId}/join", room.Join)
		r.Post("/{roomId}/leave", room.Leave)
		r.Get("/{roomId}/playback", pb.Get)
		r.Post("/{roomId}/playback/track", pb.ChangeTrack)
		r.Post("/{roomId}/playback/pause", pb.Pause)
		r.Post("/{roomId}/playback/resume", pb.Resume)
		r.Post("/{roomId}/playback/seek", pb.Seek)
		r.Get("/{roomId}/queue", qh.List)
		r.Post("/{roomId}/queue", qh.Add)
		r.Post("/{roomId}/queue/next", qh.PlayNext)
		r.Delete("/{roomId}/queue/{itemId}", qh.Remove)
		r.Get("/{roomId}/ws", ws.HandleWebSocket)
	})
	return &testServer{router: r, svc: svc, store: store, queue: q}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

// createRoom は alice がオーナーで bob が参加済みのルームを作ります
func (s *testServer) createRoom(t *testing.T) string {
	t.Helper()
	code, out := s.do(t, http.MethodPost, "/api/v1/room/create", map[string]any{"userId": "alice", "userName": "Alice"})
	require.Equal(t, http.StatusOK, code, out)
	roomId := out["roomId"].(string)
	code, out = s.do(t, http.MethodPost, "/api/v1/room/"+roomId+"/join", map[string]any{"userId": "bob", "userName": "Bob"})
	require.Equal(t, http.StatusOK, code, out)
	return roomId
}

var trackBody = map[string]any{"trackId": "yt:abc", "meta": map[string]any{"title": "Song", "duration": 180}}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{service.ErrNotRoomOwner, http.StatusForbidden},
		{fmt.Errorf("wrap: %w", service.ErrNotMember), http.StatusForbidden},
		{service.ErrRoomNotFound, http.StatusNotFound},
		{playback.ErrNoTrack, http.StatusConflict},
		{queue.ErrEmpty, http.StatusConflict},
		{fmt.Errorf("%w: boom", playback.ErrConflictRetries), http.StatusConflict},
		{playback.ErrInvalidPosition, http.StatusBadRequest},
		{playback.ErrUnknownCommand, http.StatusBadRequest},
		{queue.ErrInvalidTrack, http.StatusBadRequest},
		{errors.New("redis down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			code, msg := errorStatus(tc.err)
			assert.Equal(t, tc.code, code)
			if code == http.StatusInternalServerError {
				assert.Equal(t, "internal error", msg)
			}
		})
	}
}

func TestPlaybackEndpoints(t *testing.T) {
	s := newTestServer(t)
	roomId := s.createRoom(t)
	base := "/api/v1/room/" + roomId + "/playback"

	code, out := s.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, out["state"])
	assert.NotZero(t, out["serverTime"])

	// トラックが無いうちは一時停止できない
	code, _ = s.do(t, http.MethodPost, base+"/pause", map[string]any{"userId": "alice", "position": 0})
	assert.Equal(t, http.StatusConflict, code)

	code, out = s.do(t, http.MethodPost, base+"/track", map[string]any{"userId": "alice", "opId": "op-1", "track": trackBody})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "op-1", out["opId"])
	assert.EqualValues(t, 1, out["version"])

	code, out = s.do(t, http.MethodPost, base+"/seek", map[string]any{"userId": "bob", "position": 30, "isPlaying": false})
	require.Equal(t, http.StatusOK, code, out)
	assert.EqualValues(t, 2, out["version"])
	assert.NotEmpty(t, out["opId"])

	code, out = s.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	state := out["state"].(map[string]any)
	assert.Equal(t, "yt:abc", state["trackId"])
	assert.Equal(t, "bob", state["initiator"])
	assert.Equal(t, false, state["isPlaying"])
	assert.EqualValues(t, 30, out["livePosition"])

	code, out = s.do(t, http.MethodPost, base+"/resume", map[string]any{"userId": "alice", "position": 30})
	require.Equal(t, http.StatusOK, code, out)
	assert.EqualValues(t, 3, out["version"])
}

func TestPlaybackRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)
	roomId := s.createRoom(t)
	base := "/api/v1/room/" + roomId + "/playback"

	code, _ := s.do(t, http.MethodPost, base+"/track", map[string]any{"userId": "carol", "track": trackBody})
	assert.Equal(t, http.StatusForbidden, code, "non-member")

	code, _ = s.do(t, http.MethodPost, "/api/v1/room/missing/playback/track", map[string]any{"userId": "alice", "track": trackBody})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPost, base+"/track", map[string]any{"userId": "alice", "track": map[string]any{"trackId": ""}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, base+"/track", map[string]any{"userId": "alice", "track": trackBody, "volume": 2})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, base+"/track", map[string]any{"userId": "alice", "track": trackBody})
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodPost, base+"/seek", map[string]any{"userId": "alice", "position": -5})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, base+"/pause", map[string]any{"userId": "alice", "unknown": 1})
	assert.Equal(t, http.StatusBadRequest, code, "unknown fields are rejected")

	code, _ = s.do(t, http.MethodGet, "/api/v1/room/missing/playback", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestQueueEndpoints(t *testing.T) {
	s := newTestServer(t)
	roomId := s.createRoom(t)
	base := "/api/v1/room/" + roomId + "/queue"

	var ids []string
	for _, id := range []string{"yt:1", "yt:2", "yt:3"} {
		code, out := s.do(t, http.MethodPost, base, map[string]any{"userId": "bob", "track": map[string]any{"trackId": id}})
		require.Equal(t, http.StatusOK, code, out)
		ids = append(ids, out["itemId"].(string))
	}

	code, _ := s.do(t, http.MethodPost, base, map[string]any{"userId": "carol", "track": map[string]any{"trackId": "yt:x"}})
	assert.Equal(t, http.StatusForbidden, code)

	code, out := s.do(t, http.MethodDelete, base+"/"+ids[1], nil)
	require.Equal(t, http.StatusOK, code, out)
	code, _ = s.do(t, http.MethodDelete, base+"/"+ids[1], nil)
	assert.Equal(t, http.StatusOK, code, "removing twice is fine")

	code, out = s.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	items := out["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, ids[0], items[0].(map[string]any)["itemId"])
	assert.Equal(t, ids[2], items[1].(map[string]any)["itemId"])

	code, out = s.do(t, http.MethodPost, base+"/next", map[string]any{"userId": "alice", "opId": "next-1"})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "next-1", out["opId"])
	assert.EqualValues(t, 1, out["version"])
	assert.Equal(t, ids[0], out["item"].(map[string]any)["itemId"])

	st, ok, err := s.store.Current(context.Background(), roomId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "yt:1", st.TrackId)
	assert.Equal(t, 1.0, st.Volume)

	code, _ = s.do(t, http.MethodPost, base+"/next", map[string]any{"userId": "alice"})
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodPost, base+"/next", map[string]any{"userId": "alice"})
	assert.Equal(t, http.StatusConflict, code, "queue empty")
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	s := newTestServer(t)
	roomId := s.createRoom(t)

	code, out := s.do(t, http.MethodPost, "/api/v1/room/"+roomId+"/leave", map[string]any{"userId": "bob"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["roomDeleted"])

	code, out = s.do(t, http.MethodPost, "/api/v1/room/"+roomId+"/leave", map[string]any{"userId": "alice"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["roomDeleted"])

	code, _ = s.do(t, http.MethodGet, "/api/v1/room/"+roomId, nil)
	assert.Equal(t, http.StatusNotFound, code)
	_, ok, err := s.store.Current(context.Background(), roomId)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJoinReturnsPlaybackSnapshot(t *testing.T) {
	s := newTestServer(t)
	roomId := s.createRoom(t)
	base := "/api/v1/room/" + roomId

	// 再生前の参加では state は null
	code, out := s.do(t, http.MethodPost, base+"/join", map[string]any{"userId": "carol", "userName": "Carol"})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, roomId, out["roomId"])
	assert.Nil(t, out["state"])
	assert.NotZero(t, out["serverTime"])

	code, out = s.do(t, http.MethodPost, base+"/playback/track", map[string]any{"userId": "alice", "opId": "op-1", "track": trackBody})
	require.Equal(t, http.StatusOK, code, out)
	code, out = s.do(t, http.MethodPost, base+"/playback/seek", map[string]any{"userId": "alice", "opId": "op-2", "position": 30, "isPlaying": true})
	require.Equal(t, http.StatusOK, code, out)

	code, out = s.do(t, http.MethodPost, base+"/join", map[string]any{"userId": "dave", "userName": "Dave"})
	require.Equal(t, http.StatusOK, code, out)
	state, ok := out["state"].(map[string]any)
	require.True(t, ok, out)
	assert.Equal(t, "yt:abc", state["trackId"])
	assert.Equal(t, "op-2", state["opId"])
	assert.Equal(t, true, state["isPlaying"])
	assert.EqualValues(t, 2, state["version"])
	assert.InDelta(t, 30, out["livePosition"], 2)
	assert.NotZero(t, out["serverTime"])

	code, out = s.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["users"], 4)
	pb := out["playback"].(map[string]any)
	assert.Equal(t, "yt:abc", pb["state"].(map[string]any)["trackId"])

	code, _ = s.do(t, http.MethodPost, "/api/v1/room/missing/join", map[string]any{"userId": "erin"})
	assert.Equal(t, http.StatusNotFound, code)
}
