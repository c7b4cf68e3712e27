package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/repo"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (*miniredis.Miniredis, *repo.RedisPlaybackRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, repo.NewRedisPlaybackRepo(rdb)
}

func casStore(r repo.PlaybackRepo, c *fixedClock, retries int) *Store {
	return NewStore(r, c, StoreOptions{TTLSec: 60, CAS: true, Retries: retries}, zerolog.Nop())
}

var trackA = models.Track{TrackId: "yt:a", Meta: models.TrackMeta{Title: "A", Duration: 200}}

func TestStoreOperationsBumpVersion(t *testing.T) {
	_, pr := newTestRepo(t)
	c := newFixedClock(t0)
	s := casStore(pr, c, 0)
	ctx := context.Background()

	opId, err := s.ChangeTrack(ctx, "r1", "alice", trackA, 0.7)
	require.NoError(t, err)
	require.NotEmpty(t, opId)

	st, ok, err := s.Current(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, opId, st.OpId)
	assert.Equal(t, "alice", st.Initiator)
	assert.True(t, st.IsPlaying)
	assert.Equal(t, 0.0, st.Position)
	require.NotNil(t, st.PlayStartServerTime)
	assert.Equal(t, t0, *st.PlayStartServerTime)
	assert.Equal(t, trackA.Meta, st.TrackMeta)

	c.advance(12_000)
	pauseOp, err := s.Pause(ctx, "r1", "bob", 12)
	require.NoError(t, err)
	st, _, err = s.Current(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)
	assert.Equal(t, pauseOp, st.OpId)
	assert.Equal(t, "bob", st.Initiator)
	assert.False(t, st.IsPlaying)
	assert.Nil(t, st.PlayStartServerTime)
	assert.Equal(t, "yt:a", st.TrackId)

	_, err = s.Resume(ctx, "r1", "bob", 12)
	require.NoError(t, err)
	st, _, _ = s.Current(ctx, "r1")
	assert.Equal(t, int64(3), st.Version)
	require.NotNil(t, st.PlayStartServerTime)
	assert.Equal(t, t0+12_000, *st.PlayStartServerTime)

	_, err = s.Seek(ctx, "r1", "carol", 90, false)
	require.NoError(t, err)
	st, _, _ = s.Current(ctx, "r1")
	assert.Equal(t, int64(4), st.Version)
	assert.False(t, st.IsPlaying)
	assert.Equal(t, 90.0, st.Position)
}

func TestStoreRequiresTrackForTransport(t *testing.T) {
	_, pr := newTestRepo(t)
	s := casStore(pr, newFixedClock(t0), 0)

	_, err := s.Pause(context.Background(), "empty", "alice", 0)
	assert.ErrorIs(t, err, ErrNoTrack)
}

func TestStoreValidatesCommands(t *testing.T) {
	_, pr := newTestRepo(t)
	s := casStore(pr, newFixedClock(t0), 0)
	ctx := context.Background()

	_, err := s.Execute(ctx, "r1", Command{Kind: "rewind"})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = s.Execute(ctx, "r1", Command{Kind: CmdChangeTrack})
	assert.ErrorIs(t, err, ErrNoTrack)

	_, err = s.Execute(ctx, "r1", Command{Kind: CmdSeek, Position: -3})
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestStoreKeepsClientOpId(t *testing.T) {
	_, pr := newTestRepo(t)
	s := casStore(pr, newFixedClock(t0), 0)

	st, err := s.Execute(context.Background(), "r1", Command{Kind: CmdChangeTrack, OpId: "client-op", Issuer: "alice", Track: trackA})
	require.NoError(t, err)
	assert.Equal(t, "client-op", st.OpId)
}

// conflictingRepo は最初の n 回の書き込みを競合として拒否します
type conflictingRepo struct {
	repo.PlaybackRepo
	mu        sync.Mutex
	conflicts int
	writes    []int64
}

func (c *conflictingRepo) WritePlayback(ctx context.Context, roomId string, st models.PlaybackState, expected int64, ttl int) (models.PlaybackState, error) {
	c.mu.Lock()
	c.writes = append(c.writes, expected)
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return models.PlaybackState{}, repo.ErrVersionConflict
	}
	c.mu.Unlock()
	return c.PlaybackRepo.WritePlayback(ctx, roomId, st, expected, ttl)
}

func TestStoreRetriesOnConflict(t *testing.T) {
	_, pr := newTestRepo(t)
	cr := &conflictingRepo{PlaybackRepo: pr, conflicts: 2}
	s := casStore(cr, newFixedClock(t0), 3)

	st, err := s.Execute(context.Background(), "r1", Command{Kind: CmdChangeTrack, Issuer: "alice", Track: trackA})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, []int64{0, 0, 0}, cr.writes)
}

func TestStoreGivesUpAfterRetries(t *testing.T) {
	_, pr := newTestRepo(t)
	cr := &conflictingRepo{PlaybackRepo: pr, conflicts: 5}
	s := casStore(cr, newFixedClock(t0), 1)

	st, err := s.Execute(context.Background(), "r1", Command{Kind: CmdChangeTrack, OpId: "op-x", Issuer: "alice", Track: trackA})
	assert.ErrorIs(t, err, ErrConflictRetries)
	assert.Equal(t, "op-x", st.OpId)
	assert.Len(t, cr.writes, 2)
}

func TestStoreLastWriteWinsSkipsVersionCheck(t *testing.T) {
	_, pr := newTestRepo(t)
	cr := &conflictingRepo{PlaybackRepo: pr}
	s := NewStore(cr, newFixedClock(t0), StoreOptions{CAS: false}, zerolog.Nop())

	_, err := s.ChangeTrack(context.Background(), "r1", "alice", trackA, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{repo.AnyVersion}, cr.writes)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.PlaybackEvent
}

func (r *eventRecorder) record(ev models.PlaybackEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []models.PlaybackEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PlaybackEvent(nil), r.events...)
}

func TestStoreSubscribeDeliversSnapshotThenChanges(t *testing.T) {
	_, pr := newTestRepo(t)
	s := casStore(pr, newFixedClock(t0), 0)
	ctx := context.Background()

	first, err := s.ChangeTrack(ctx, "r1", "alice", trackA, 1)
	require.NoError(t, err)

	rec := &eventRecorder{}
	unsubscribe, err := s.Subscribe(ctx, "r1", rec.record)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, first, rec.all()[0].State.OpId)
	assert.Equal(t, models.EventOperation, rec.all()[0].Kind)

	second, err := s.Pause(ctx, "r1", "alice", 3)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		evs := rec.all()
		return len(evs) == 2 && evs[1].State.OpId == second
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
}
