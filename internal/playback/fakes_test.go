package playback

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
)

// fakeMedia は呼び出しを記録するメディア要素です
type fakeMedia struct {
	mu       sync.Mutex
	current  float64
	duration float64
	loads    []string
	plays    int
	pauses   int
	seeks    []float64
	loadErr  error
}

func (m *fakeMedia) Load(track models.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return m.loadErr
	}
	m.loads = append(m.loads, track.TrackId)
	m.current = 0
	m.duration = track.Meta.Duration
	return nil
}

func (m *fakeMedia) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plays++
	return nil
}

func (m *fakeMedia) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses++
	return nil
}

func (m *fakeMedia) SeekTo(seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeks = append(m.seeks, seconds)
	m.current = seconds
	return nil
}

func (m *fakeMedia) CurrentTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *fakeMedia) Duration() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

func (m *fakeMedia) setCurrent(pos float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = pos
}

type mediaCalls struct {
	loads  []string
	plays  int
	pauses int
	seeks  []float64
}

func (m *fakeMedia) calls() mediaCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mediaCalls{
		loads:  append([]string(nil), m.loads...),
		plays:  m.plays,
		pauses: m.pauses,
		seeks:  append([]float64(nil), m.seeks...),
	}
}

// fixedClock は固定のサーバー時刻を返します
type fixedClock struct{ ms atomic.Int64 }

func newFixedClock(ms int64) *fixedClock {
	c := &fixedClock{}
	c.ms.Store(ms)
	return c
}

func (c *fixedClock) ServerNow() int64 { return c.ms.Load() }

func (c *fixedClock) advance(ms int64) { c.ms.Add(ms) }

// fakeCommander は発行された操作を記録します
type fakeCommander struct {
	mu   sync.Mutex
	cmds []Command
	err  error
}

func (f *fakeCommander) Execute(_ context.Context, _ string, cmd Command) (models.PlaybackState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if f.err != nil {
		return models.PlaybackState{OpId: cmd.OpId}, f.err
	}
	return models.PlaybackState{OpId: cmd.OpId, Version: int64(len(f.cmds))}, nil
}

func (f *fakeCommander) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.cmds...)
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func ptr(v int64) *int64 { return &v }

func playingState(version int64, opId string, position float64, playStart int64) models.PlaybackState {
	return models.PlaybackState{
		TrackId:             "yt:a",
		TrackMeta:           models.TrackMeta{Title: "A", Duration: 300},
		IsPlaying:           true,
		Position:            position,
		Volume:              1,
		Initiator:           "remote",
		OpId:                opId,
		Version:             version,
		PlayStartServerTime: ptr(playStart),
	}
}

func opEvent(st models.PlaybackState) models.PlaybackEvent {
	return models.PlaybackEvent{RoomId: "r1", Kind: models.EventOperation, State: &st}
}
