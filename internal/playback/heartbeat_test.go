package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHeartbeatWriter struct {
	mu   sync.Mutex
	hbs  []models.Heartbeat
	lost bool
}

func (f *fakeHeartbeatWriter) Heartbeat(_ context.Context, _ string, hb models.Heartbeat) (models.PlaybackState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hbs = append(f.hbs, hb)
	return models.PlaybackState{OpId: hb.OpId}, !f.lost, nil
}

func (f *fakeHeartbeatWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hbs)
}

func TestHeartbeatKeepsVersionAndOpId(t *testing.T) {
	_, pr := newTestRepo(t)
	c := newFixedClock(t0)
	s := casStore(pr, c, 0)
	ctx := context.Background()

	written, err := s.Execute(ctx, "r1", Command{Kind: CmdChangeTrack, Issuer: "alice", Track: trackA})
	require.NoError(t, err)

	media := &fakeMedia{}
	player := newLocalPlayer(media)
	require.NoError(t, player.load(trackA))
	require.NoError(t, player.setPlaying(true))
	media.setCurrent(25)
	c.advance(25_000)

	hb := newHeartbeatPublisher(s, "r1", player, c, 10*time.Millisecond, zerolog.Nop())
	hb.Follow(ctx, written)
	defer hb.Stop()

	assert.Eventually(t, func() bool {
		st, _, err := s.Current(ctx, "r1")
		return err == nil && st.Position == 25
	}, time.Second, 5*time.Millisecond)

	st, _, err := s.Current(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, written.Version, st.Version)
	assert.Equal(t, written.OpId, st.OpId)
	require.NotNil(t, st.PlayStartServerTime)
	assert.Equal(t, t0+25_000, *st.PlayStartServerTime)
	assert.True(t, hb.Running())
}

func TestHeartbeatStopsWhenAuthorityLost(t *testing.T) {
	_, pr := newTestRepo(t)
	c := newFixedClock(t0)
	s := casStore(pr, c, 0)
	ctx := context.Background()

	mine, err := s.Execute(ctx, "r1", Command{Kind: CmdChangeTrack, Issuer: "alice", Track: trackA})
	require.NoError(t, err)
	_, err = s.Execute(ctx, "r1", Command{Kind: CmdPause, Issuer: "bob", Position: 3})
	require.NoError(t, err)

	media := &fakeMedia{}
	player := newLocalPlayer(media)
	require.NoError(t, player.setPlaying(true))

	hb := newHeartbeatPublisher(s, "r1", player, c, 10*time.Millisecond, zerolog.Nop())
	hb.Follow(ctx, mine)

	assert.Eventually(t, func() bool { return !hb.Running() }, time.Second, 5*time.Millisecond)

	// bob の操作は上書きされていない
	st, _, err := s.Current(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "bob", st.Initiator)
	assert.Equal(t, 3.0, st.Position)
	assert.False(t, st.IsPlaying)
}

func TestHeartbeatSkipsWhileLocalStateDiffers(t *testing.T) {
	w := &fakeHeartbeatWriter{}
	player := newLocalPlayer(&fakeMedia{})
	hb := newHeartbeatPublisher(w, "r1", player, newFixedClock(t0), 5*time.Millisecond, zerolog.Nop())

	// 共有状態は再生中、ローカルは停止中
	hb.Follow(context.Background(), models.PlaybackState{OpId: "op-1", IsPlaying: true})
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, w.count())

	require.NoError(t, player.setPlaying(true))
	assert.Eventually(t, func() bool { return w.count() > 0 }, time.Second, 5*time.Millisecond)

	hb.Stop()
	hb.Stop()
	assert.False(t, hb.Running())
}

func TestHeartbeatPausedSendsNoPlayStart(t *testing.T) {
	w := &fakeHeartbeatWriter{}
	media := &fakeMedia{}
	media.setCurrent(42)
	hb := newHeartbeatPublisher(w, "r1", newLocalPlayer(media), newFixedClock(t0), 5*time.Millisecond, zerolog.Nop())

	hb.Follow(context.Background(), models.PlaybackState{OpId: "op-1", IsPlaying: false})
	defer hb.Stop()
	assert.Eventually(t, func() bool { return w.count() > 0 }, time.Second, 5*time.Millisecond)

	w.mu.Lock()
	first := w.hbs[0]
	w.mu.Unlock()
	assert.Equal(t, "op-1", first.OpId)
	assert.Equal(t, 42.0, first.Position)
	assert.Nil(t, first.PlayStartServerTime)
}

func TestHeartbeatFollowSwitchesOp(t *testing.T) {
	w := &fakeHeartbeatWriter{}
	hb := newHeartbeatPublisher(w, "r1", newLocalPlayer(&fakeMedia{}), newFixedClock(t0), 5*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	hb.Follow(ctx, models.PlaybackState{OpId: "op-1"})
	hb.Follow(ctx, models.PlaybackState{OpId: "op-2"})
	defer hb.Stop()

	assert.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.hbs) > 0 && w.hbs[len(w.hbs)-1].OpId == "op-2"
	}, time.Second, 5*time.Millisecond)
}
