package player

import (
	"testing"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/playback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestVirtual() (*Virtual, *manualClock) {
	c := &manualClock{t: time.Unix(1_700_000_000, 0)}
	return NewVirtualWithClock(c.now), c
}

var song = models.Track{TrackId: "yt:song", Meta: models.TrackMeta{Title: "Song", Duration: 10}}

func TestVirtualAdvancesWhilePlaying(t *testing.T) {
	v, c := newTestVirtual()
	require.NoError(t, v.Load(song))
	assert.Equal(t, 0.0, v.CurrentTime())
	assert.Equal(t, 10.0, v.Duration())

	c.advance(time.Second)
	assert.Equal(t, 0.0, v.CurrentTime(), "stopped after load")

	require.NoError(t, v.Play())
	c.advance(3 * time.Second)
	assert.InDelta(t, 3.0, v.CurrentTime(), 1e-9)

	require.NoError(t, v.Pause())
	c.advance(5 * time.Second)
	assert.InDelta(t, 3.0, v.CurrentTime(), 1e-9)
	assert.False(t, v.Playing())
}

func TestVirtualSeek(t *testing.T) {
	v, c := newTestVirtual()
	assert.ErrorIs(t, v.SeekTo(1), ErrNotLoaded)
	assert.ErrorIs(t, v.Play(), ErrNotLoaded)

	require.NoError(t, v.Load(song))
	require.NoError(t, v.Play())
	c.advance(2 * time.Second)
	require.NoError(t, v.SeekTo(7))
	c.advance(time.Second)
	assert.InDelta(t, 8.0, v.CurrentTime(), 1e-9)

	require.NoError(t, v.SeekTo(99))
	assert.Equal(t, 10.0, v.CurrentTime())
	require.NoError(t, v.SeekTo(-1))
	assert.Equal(t, 0.0, v.CurrentTime())
}

func TestVirtualTickEndsTrack(t *testing.T) {
	v, c := newTestVirtual()
	require.NoError(t, v.Load(song))
	require.NoError(t, v.Play())

	c.advance(9 * time.Second)
	_, ended := v.Tick()
	assert.False(t, ended)

	c.advance(2 * time.Second)
	assert.Equal(t, 10.0, v.CurrentTime(), "clamped at duration")
	ev, ended := v.Tick()
	assert.True(t, ended)
	assert.Equal(t, playback.MediaEnded, ev)
	assert.False(t, v.Playing())

	_, ended = v.Tick()
	assert.False(t, ended, "ended is reported once")
}

func TestVirtualUnknownDurationNeverEnds(t *testing.T) {
	v, c := newTestVirtual()
	require.NoError(t, v.Load(models.Track{TrackId: "live"}))
	require.NoError(t, v.Play())
	c.advance(time.Hour)
	assert.InDelta(t, 3600.0, v.CurrentTime(), 1e-9)
	_, ended := v.Tick()
	assert.False(t, ended)
}
