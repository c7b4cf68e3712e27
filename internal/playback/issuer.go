package playback

import (
	"context"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/idgen"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/metrics"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/util"
	"github.com/bep/debounce"
	"github.com/rs/zerolog"
)

// recentOpIds は自分のエコーとして扱う直近のopIdの数
const recentOpIds = 16

// Notice は発行者に見せる一時的な通知（トースト）です
type Notice struct {
	RoomId string
	Kind   CommandKind
	OpId   string
	Err    error
}

// Notifier は書き込み失敗をユーザーに知らせます
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc は関数を Notifier として使うためのアダプタ
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type seekIntent struct {
	position float64
	playing  bool
}

// Issuer はローカルのユーザー操作を共有ストアへの書き込みに変換します
//
// 操作はまずローカルのメディア要素に楽観的に反映され、書き込みに失敗しても巻き戻しません。
// 書き込みエラーはログに残して Notifier に渡し、呼び出し元の購読コールバックには伝播させません。
type Issuer struct {
	cmd      Commander
	roomId   string
	self     string
	player   *localPlayer
	recent   *util.RingBuffer[string]
	notifier Notifier
	logger   zerolog.Logger

	// シークは時間窓内で最後の1件だけを書き込む
	// ドラッグが窓より長く続く場合は窓ごとに1件は書き込む
	seekMu       sync.Mutex
	flushMu      sync.Mutex
	pendingSeek  *seekIntent
	pendingSince time.Time
	seekWindow   time.Duration
	debounced    func(func())
	baseCtx      context.Context
}

func newIssuer(ctx context.Context, cmd Commander, roomId, self string, player *localPlayer, seekWindow time.Duration, notifier Notifier, logger zerolog.Logger) *Issuer {
	if seekWindow <= 0 {
		seekWindow = 300 * time.Millisecond
	}
	if notifier == nil {
		notifier = NotifierFunc(func(Notice) {})
	}
	return &Issuer{
		cmd:        cmd,
		roomId:     roomId,
		self:       self,
		player:     player,
		recent:     util.NewRingBuffer[string](recentOpIds),
		notifier:   notifier,
		logger:     logger,
		seekWindow: seekWindow,
		debounced:  debounce.New(seekWindow),
		baseCtx:    ctx,
	}
}

// IsLocalEcho は opId が自分の発行した直近の操作かを返します
func (i *Issuer) IsLocalEcho(opId string) bool {
	return opId != "" && i.recent.Contains(opId)
}

// LastOpId は最後に発行したopIdを返します
func (i *Issuer) LastOpId() string {
	op, _ := i.recent.Last()
	return op
}

// PlayTrack はトラックを切り替えて再生します
// 未送信のシークは後から上書きしないように捨てます
func (i *Issuer) PlayTrack(ctx context.Context, track models.Track, volume float64) (string, error) {
	i.dropPendingSeek()
	opId := i.mark()
	if err := i.player.load(track); err != nil {
		i.logger.Warn().Err(err).Str("track_id", track.TrackId).Msg("local load failed")
	} else if err := i.player.setPlaying(true); err != nil {
		i.logger.Warn().Err(err).Msg("local play failed")
	}
	return opId, i.issue(ctx, Command{Kind: CmdChangeTrack, OpId: opId, Issuer: i.self, Track: track, Volume: volume})
}

// Pause は指定位置で一時停止します
func (i *Issuer) Pause(ctx context.Context, position float64) (string, error) {
	i.dropPendingSeek()
	opId := i.mark()
	if err := i.player.setPlaying(false); err != nil {
		i.logger.Warn().Err(err).Msg("local pause failed")
	}
	return opId, i.issue(ctx, Command{Kind: CmdPause, OpId: opId, Issuer: i.self, Position: position})
}

// Resume は指定位置から再開します
func (i *Issuer) Resume(ctx context.Context, position float64) (string, error) {
	i.dropPendingSeek()
	opId := i.mark()
	if err := i.player.setPlaying(true); err != nil {
		i.logger.Warn().Err(err).Msg("local play failed")
	}
	return opId, i.issue(ctx, Command{Kind: CmdResume, OpId: opId, Issuer: i.self, Position: position})
}

// Seek はローカルではすぐにシークし、書き込みは時間窓でまとめます
// 窓の間に来た途中の値は捨てられ、最後の値だけが書き込まれます
// 最初の保留から窓を過ぎたシークはその場で書き込みます
func (i *Issuer) Seek(position float64, playing bool) {
	if !validPosition(position) {
		i.notifier.Notify(Notice{RoomId: i.roomId, Kind: CmdSeek, Err: ErrInvalidPosition})
		return
	}
	if err := i.player.seek(position); err != nil {
		i.logger.Warn().Err(err).Float64("position", position).Msg("local seek failed")
	}
	if err := i.player.setPlaying(playing); err != nil {
		i.logger.Warn().Err(err).Msg("local play state failed")
	}

	now := time.Now()
	i.seekMu.Lock()
	if i.pendingSeek == nil {
		i.pendingSince = now
	}
	i.pendingSeek = &seekIntent{position: position, playing: playing}
	overdue := now.Sub(i.pendingSince) >= i.seekWindow
	i.seekMu.Unlock()

	if overdue {
		i.flushSeek()
		return
	}
	i.debounced(i.flushSeek)
}

// flushSeek は保留中のシークを1件だけ書き込みます
func (i *Issuer) flushSeek() {
	i.flushMu.Lock()
	defer i.flushMu.Unlock()

	i.seekMu.Lock()
	intent := i.pendingSeek
	i.pendingSeek = nil
	i.seekMu.Unlock()

	if intent == nil || i.baseCtx.Err() != nil {
		return
	}
	opId := i.mark()
	_ = i.issue(i.baseCtx, Command{Kind: CmdSeek, OpId: opId, Issuer: i.self, Position: intent.position, Playing: intent.playing})
}

// dropPendingSeek は未送信のシークを破棄します
// 書き込み中のシークがあれば、その完了を待ちます
func (i *Issuer) dropPendingSeek() {
	i.flushMu.Lock()
	defer i.flushMu.Unlock()
	i.seekMu.Lock()
	i.pendingSeek = nil
	i.seekMu.Unlock()
}

// mark はopIdを生成し、エコーが届く前に自分のものとして記録します
func (i *Issuer) mark() string {
	opId := idgen.NewOpID()
	i.recent.Push(opId)
	return opId
}

func (i *Issuer) issue(ctx context.Context, cmd Command) error {
	_, err := i.cmd.Execute(ctx, i.roomId, cmd)
	if err != nil {
		metrics.WriteFailures.WithLabelValues(string(cmd.Kind)).Inc()
		i.logger.Warn().Err(err).
			Str("kind", string(cmd.Kind)).
			Str("op_id", cmd.OpId).
			Msg("playback write failed, local state kept")
		i.notifier.Notify(Notice{RoomId: i.roomId, Kind: cmd.Kind, OpId: cmd.OpId, Err: err})
	}
	return err
}
