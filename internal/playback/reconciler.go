package playback

import (
	"math"
	"sync"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/clock"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/metrics"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/rs/zerolog"
)

// DefaultDriftTolerance はハードシークを行うズレの閾値（秒）
const DefaultDriftTolerance = 2.0

// Outcome はリコンサイラが1件の更新をどう扱ったかを表します
type Outcome string

const (
	OutcomeStale   Outcome = "stale"   // 適用済みより古いバージョン
	OutcomeEcho    Outcome = "echo"    // 自分が発行した操作
	OutcomeApplied Outcome = "applied" // リモートの状態をメディア要素に反映した
	OutcomeGone    Outcome = "gone"    // ルームが削除された
	OutcomeIgnored Outcome = "ignored" // 状態を含まないイベント
)

// Reconciler は共有ストアの更新をローカルのメディア要素へ反映します
// クライアントごとに1つ動き、更新は購読goroutineから1件ずつ渡されます
type Reconciler struct {
	mu        sync.Mutex
	player    *localPlayer
	clock     clock.ServerClock
	isEcho    func(opId string) bool
	tolerance float64
	onGone    func()
	logger    zerolog.Logger

	applied bool  // 1件でも適用したか（途中参加の判定）
	highest int64 // 適用済みの最大バージョン
	last    models.PlaybackState
}

func newReconciler(player *localPlayer, c clock.ServerClock, isEcho func(string) bool, tolerance float64, onGone func(), logger zerolog.Logger) *Reconciler {
	if tolerance <= 0 {
		tolerance = DefaultDriftTolerance
	}
	if onGone == nil {
		onGone = func() {}
	}
	return &Reconciler{
		player:    player,
		clock:     c,
		isEcho:    isEcho,
		tolerance: tolerance,
		onGone:    onGone,
		logger:    logger,
	}
}

// Handle は更新を1件処理します
func (r *Reconciler) Handle(ev models.PlaybackEvent) Outcome {
	r.mu.Lock()
	out := r.handleLocked(ev)
	r.mu.Unlock()

	metrics.Reconciles.WithLabelValues(string(out)).Inc()
	if out == OutcomeGone {
		r.onGone()
	}
	return out
}

func (r *Reconciler) handleLocked(ev models.PlaybackEvent) Outcome {
	if ev.Kind == models.EventDeleted {
		r.player.stop()
		r.logger.Info().Msg("room no longer exists, local playback stopped")
		return OutcomeGone
	}
	if ev.State == nil {
		return OutcomeIgnored
	}
	st := *ev.State

	// 1. 古い更新は捨てる（途中参加で未適用なら最初の1件を無条件に採用する）
	if r.applied && st.Version < r.highest {
		r.logger.Debug().Int64("version", st.Version).Int64("highest", r.highest).Msg("dropping stale playback update")
		return OutcomeStale
	}

	// 2. 自分のエコーはメディア要素に触れない（発行時に楽観的に反映済み）
	if r.isEcho(st.OpId) {
		r.accept(st)
		return OutcomeEcho
	}

	// 3. リモートの操作を反映する
	r.applyRemote(st)

	// 4. 適用済みバージョンを進める
	r.accept(st)
	return OutcomeApplied
}

func (r *Reconciler) applyRemote(st models.PlaybackState) {
	target := LivePosition(st, r.clock.ServerNow())
	log := r.logger.With().Str("op_id", st.OpId).Int64("version", st.Version).Logger()

	firstSync := !r.applied
	if !r.player.isLoaded(st.TrackId) {
		if err := r.player.load(st.Track()); err != nil {
			log.Warn().Err(err).Str("track_id", st.TrackId).Msg("failed to load remote track")
			return
		}
		firstSync = true
	}

	drift := math.Abs(r.player.position() - target)
	if firstSync || drift > r.tolerance {
		if err := r.player.seek(target); err != nil {
			log.Warn().Err(err).Float64("target", target).Msg("hard seek failed")
		} else {
			metrics.HardSeeks.Inc()
			log.Debug().Float64("target", target).Float64("drift", drift).Bool("first_sync", firstSync).Msg("hard seek")
		}
	}

	if err := r.player.setPlaying(st.IsPlaying); err != nil {
		log.Warn().Err(err).Bool("playing", st.IsPlaying).Msg("failed to apply play state")
	}
}

func (r *Reconciler) accept(st models.PlaybackState) {
	if !r.applied || st.Version > r.highest {
		r.highest = st.Version
	}
	r.applied = true
	r.last = st
}

// HighestApplied は適用済みの最大バージョンを返します。未適用なら false
func (r *Reconciler) HighestApplied() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highest, r.applied
}

// Last は最後に受け入れた状態を返します
func (r *Reconciler) Last() (models.PlaybackState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.applied
}
