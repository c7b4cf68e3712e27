package playback

import (
	"context"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/clock"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/metrics"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval はハートビートのデフォルト間隔
const DefaultHeartbeatInterval = 5 * time.Second

// HeartbeatWriter はハートビートを書き込めるストアです
type HeartbeatWriter interface {
	Heartbeat(ctx context.Context, roomId string, hb models.Heartbeat) (models.PlaybackState, bool, error)
}

// HeartbeatPublisher はトランスポート権限を持つ間だけ、現在位置を定期的に書き込みます
// 書き込みはバージョンもopIdも変更しません
type HeartbeatPublisher struct {
	w        HeartbeatWriter
	roomId   string
	player   *localPlayer
	clock    clock.ServerClock
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	opId    string // 権限の根拠となった操作
	playing bool   // その操作の isPlaying
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHeartbeatPublisher(w HeartbeatWriter, roomId string, player *localPlayer, c clock.ServerClock, interval time.Duration, logger zerolog.Logger) *HeartbeatPublisher {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatPublisher{
		w:        w,
		roomId:   roomId,
		player:   player,
		clock:    c,
		interval: interval,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Follow は st を根拠に権限を持ったものとして発行を始めます
// すでに動いている場合は根拠の操作だけを差し替えます
func (h *HeartbeatPublisher) Follow(ctx context.Context, st models.PlaybackState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.opId = st.OpId
	h.playing = st.IsPlaying
	if h.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(loopCtx, h.done)
	h.logger.Debug().Str("op_id", st.OpId).Msg("heartbeat started")
}

// Stop は発行を止めます。動いていなければ何もしません
func (h *HeartbeatPublisher) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.opId = ""
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	h.logger.Debug().Msg("heartbeat stopped")
}

// Running は発行中かを返します
func (h *HeartbeatPublisher) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

func (h *HeartbeatPublisher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if opId, ok := h.tick(ctx); !ok && h.relinquish(done, opId) {
				return
			}
		}
	}
}

// tick は1回分のハートビートを書き込みます。権限を失った場合は false を返します
func (h *HeartbeatPublisher) tick(ctx context.Context) (string, bool) {
	h.mu.Lock()
	opId, playing := h.opId, h.playing
	h.mu.Unlock()

	// ローカルの再生状態が共有状態と食い違っている間は書かない（状態の変更は操作で行う）
	if h.player.isPlaying() != playing {
		metrics.Heartbeats.WithLabelValues("skipped").Inc()
		return opId, true
	}

	hb := models.Heartbeat{OpId: opId, Position: h.player.position()}
	if playing {
		now := h.clock.ServerNow()
		hb.PlayStartServerTime = &now
	}

	_, ok, err := h.w.Heartbeat(ctx, h.roomId, hb)
	if err != nil {
		if ctx.Err() == nil {
			metrics.Heartbeats.WithLabelValues("error").Inc()
			h.logger.Warn().Err(err).Str("op_id", opId).Msg("heartbeat write failed")
		}
		return opId, true
	}
	if !ok {
		metrics.Heartbeats.WithLabelValues("lost").Inc()
		h.logger.Info().Str("op_id", opId).Msg("transport authority lost, heartbeat stopped")
		return opId, false
	}
	metrics.Heartbeats.WithLabelValues("written").Inc()
	return opId, true
}

// relinquish はループ自身が権限を失ったときに状態を片付けます
// その間に Follow で根拠の操作が差し替えられていれば続行します（false を返す）
func (h *HeartbeatPublisher) relinquish(done chan struct{}, lostOpId string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != done {
		return true
	}
	if h.opId != lostOpId {
		return false
	}
	h.cancel()
	h.cancel, h.done = nil, nil
	h.opId = ""
	return true
}
