// Package player はデコードを行わない仮想メディア要素を提供します
// 再生中は壁時計に合わせて位置が進み、曲の長さで止まります
package player

import (
	"errors"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/playback"
)

var ErrNotLoaded = errors.New("no track loaded")

// Virtual は playback.MediaElement の実装です
type Virtual struct {
	mu       sync.Mutex
	now      func() time.Time
	track    models.Track
	loaded   bool
	playing  bool
	position float64   // anchor 時点の位置（秒）
	anchor   time.Time // 再生開始（または最後のシーク）の時刻
}

// NewVirtual は仮想プレーヤーを作成します
func NewVirtual() *Virtual {
	return NewVirtualWithClock(time.Now)
}

func NewVirtualWithClock(now func() time.Time) *Virtual {
	return &Virtual{now: now}
}

func (v *Virtual) Load(track models.Track) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.track = track
	v.loaded = true
	v.playing = false
	v.position = 0
	return nil
}

func (v *Virtual) Play() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.loaded {
		return ErrNotLoaded
	}
	if !v.playing {
		v.playing = true
		v.anchor = v.now()
	}
	return nil
}

func (v *Virtual) Pause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.playing {
		v.position = v.currentLocked()
		v.playing = false
	}
	return nil
}

func (v *Virtual) SeekTo(seconds float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.loaded {
		return ErrNotLoaded
	}
	if seconds < 0 {
		seconds = 0
	}
	if d := v.track.Meta.Duration; d > 0 && seconds > d {
		seconds = d
	}
	v.position = seconds
	v.anchor = v.now()
	return nil
}

func (v *Virtual) CurrentTime() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentLocked()
}

func (v *Virtual) Duration() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.track.Meta.Duration
}

// Track は読み込み済みのトラックを返します
func (v *Virtual) Track() (models.Track, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.track, v.loaded
}

// Playing は再生中かを返します
func (v *Virtual) Playing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playing
}

// Tick は曲の終端に達していれば再生を止めて playback.MediaEnded を返します
// 呼び出し側が定期的に呼び、イベントをセッションに渡します
func (v *Virtual) Tick() (playback.MediaEvent, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d := v.track.Meta.Duration
	if !v.playing || d <= 0 || v.currentLocked() < d {
		return "", false
	}
	v.position = d
	v.playing = false
	return playback.MediaEnded, true
}

func (v *Virtual) currentLocked() float64 {
	pos := v.position
	if v.playing {
		pos += v.now().Sub(v.anchor).Seconds()
	}
	if d := v.track.Meta.Duration; d > 0 && pos > d {
		pos = d
	}
	return pos
}

var _ playback.MediaElement = (*Virtual)(nil)
