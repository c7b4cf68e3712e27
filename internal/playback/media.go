package playback

import (
	"sync"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
)

// MediaElement はUI層が提供するメディア再生要素です
// デコードや描画はこのパッケージの範囲外です
type MediaElement interface {
	Load(track models.Track) error // 新しいトラックを読み込む（位置は0、停止状態）
	Play() error
	Pause() error
	SeekTo(seconds float64) error
	CurrentTime() float64
	Duration() float64
}

// MediaEvent はメディア要素の状態変化イベントです
type MediaEvent string

const (
	MediaPlaying MediaEvent = "playing"
	MediaPaused  MediaEvent = "paused"
	MediaEnded   MediaEvent = "ended"
)

// localPlayer はクライアント自身が所有するメディア要素と、読み込み済みトラック・再生状態を管理します
// Issuer（楽観的反映）と Reconciler（リモート反映）の両方から使われます
type localPlayer struct {
	mu      sync.Mutex
	media   MediaElement
	trackId string
	loaded  bool
	playing bool
}

func newLocalPlayer(m MediaElement) *localPlayer {
	return &localPlayer{media: m}
}

func (p *localPlayer) load(track models.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		_ = p.media.Pause()
		p.playing = false
	}
	if err := p.media.Load(track); err != nil {
		p.loaded = false
		return err
	}
	p.trackId = track.TrackId
	p.loaded = true
	return nil
}

func (p *localPlayer) isLoaded(trackId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded && p.trackId == trackId
}

// setPlaying は状態が異なる場合だけ play/pause を呼びます
func (p *localPlayer) setPlaying(playing bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing == playing {
		return nil
	}
	var err error
	if playing {
		err = p.media.Play()
	} else {
		err = p.media.Pause()
	}
	if err == nil {
		p.playing = playing
	}
	return err
}

func (p *localPlayer) seek(pos float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.media.SeekTo(pos)
}

func (p *localPlayer) position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.media.CurrentTime()
}

func (p *localPlayer) duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.media.Duration()
}

func (p *localPlayer) isPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// observe はメディア要素から上がってきたイベントで再生状態を合わせます
func (p *localPlayer) observe(ev MediaEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev {
	case MediaPlaying:
		p.playing = true
	case MediaPaused, MediaEnded:
		p.playing = false
	}
}

// stop はルーム消滅時にローカル再生を止めます
func (p *localPlayer) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		_ = p.media.Pause()
		p.playing = false
	}
}
