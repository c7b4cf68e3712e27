package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/clock"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/queue"
	"github.com/rs/zerolog"
)

// StateStore はセッションが使う共有再生状態の操作です（*Store が満たします）
type StateStore interface {
	Commander
	HeartbeatWriter
	Subscribe(ctx context.Context, roomId string, fn func(models.PlaybackEvent)) (func(), error)
}

// QueueConsumer はセッションが使うキュー操作です（*queue.Queue が満たします）
type QueueConsumer interface {
	Add(ctx context.Context, roomId, member string, track models.Track) (string, error)
	DequeueFirst(ctx context.Context, roomId string) (models.QueueItem, error)
}

// Deps はセッションの依存先です
type Deps struct {
	Store  StateStore
	Queue  QueueConsumer
	Clock  clock.ServerClock
	Logger zerolog.Logger
}

// Options はセッションの挙動を指定します。ゼロ値はデフォルトを使います
type Options struct {
	HeartbeatInterval time.Duration
	SeekWindow        time.Duration
	DriftTolerance    float64
	Notifier          Notifier
	// OnStateChange は更新を1件処理するたびに購読goroutineから呼ばれます
	OnStateChange func(st models.PlaybackState, out Outcome)
	// OnRoomGone はルームが削除されたときに1回呼ばれます
	OnRoomGone func()
}

// Session は1クライアントが1ルームに参加している間の同期再生を管理します
// ルームを切り替えるときは Close してから別のルームで Open し直します
type Session struct {
	roomId string
	self   string
	deps   Deps
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	player     *localPlayer
	issuer     *Issuer
	reconciler *Reconciler
	heartbeat  *HeartbeatPublisher

	unsubscribe func()
	closed      atomic.Bool
	gone        atomic.Bool
	closeOnce   sync.Once
	goneOnce    sync.Once
}

// Open はルームの再生状態を購読し、セッションを開始します
// 最初に届いた状態は途中参加として無条件に採用され、ハードシークされます
func Open(ctx context.Context, deps Deps, roomId, self string, media MediaElement, opts Options) (*Session, error) {
	if deps.Store == nil || deps.Clock == nil || media == nil {
		return nil, errors.New("playback: store, clock and media are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := deps.Logger.With().Str("room_id", roomId).Str("client_id", self).Logger()
	s := &Session{
		roomId: roomId,
		self:   self,
		deps:   deps,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		player: newLocalPlayer(media),
	}
	s.issuer = newIssuer(ctx, deps.Store, roomId, self, s.player, opts.SeekWindow, opts.Notifier, logger)
	s.reconciler = newReconciler(s.player, deps.Clock, s.issuer.IsLocalEcho, opts.DriftTolerance, s.roomGone, logger)
	s.heartbeat = newHeartbeatPublisher(deps.Store, roomId, s.player, deps.Clock, opts.HeartbeatInterval, logger)

	unsubscribe, err := deps.Store.Subscribe(ctx, roomId, s.handle)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.unsubscribe = unsubscribe
	logger.Info().Msg("playback session opened")
	return s, nil
}

func (s *Session) handle(ev models.PlaybackEvent) {
	// ルームが消えた後に届いた更新は捨てる
	if s.closed.Load() || s.gone.Load() {
		return
	}

	out := s.reconciler.Handle(ev)
	switch out {
	case OutcomeGone:
		s.gone.Store(true)
		s.heartbeat.Stop()
		return
	case OutcomeStale, OutcomeIgnored:
		return
	}

	st := *ev.State
	// 最後の操作の発行者だけがハートビートを送る
	if st.Initiator == s.self {
		s.heartbeat.Follow(s.ctx, st)
	} else {
		s.heartbeat.Stop()
	}

	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st, out)
	}
}

func (s *Session) roomGone() {
	s.goneOnce.Do(func() {
		if s.opts.OnRoomGone != nil {
			s.opts.OnRoomGone()
		}
	})
}

// PlayTrack はトラックを切り替えて再生し、発行したopIdを返します
func (s *Session) PlayTrack(ctx context.Context, track models.Track, volume float64) (string, error) {
	return s.issuer.PlayTrack(ctx, track, volume)
}

// Pause は現在のローカル位置で一時停止します
func (s *Session) Pause(ctx context.Context) (string, error) {
	return s.issuer.Pause(ctx, s.player.position())
}

// Resume は現在のローカル位置から再開します
func (s *Session) Resume(ctx context.Context) (string, error) {
	return s.issuer.Resume(ctx, s.player.position())
}

// Seek は指定位置へ移動します。書き込みは時間窓でまとめられます
func (s *Session) Seek(position float64, playing bool) {
	s.issuer.Seek(position, playing)
}

// Enqueue はキューの末尾にトラックを追加します
func (s *Session) Enqueue(ctx context.Context, track models.Track) (string, error) {
	if s.deps.Queue == nil {
		return "", errors.New("playback: queue not configured")
	}
	return s.deps.Queue.Add(ctx, s.roomId, s.self, track)
}

// PlayNext はキューの先頭を取り出して再生します。キューが空なら queue.ErrEmpty
func (s *Session) PlayNext(ctx context.Context) (string, error) {
	if s.deps.Queue == nil {
		return "", errors.New("playback: queue not configured")
	}
	item, err := s.deps.Queue.DequeueFirst(ctx, s.roomId)
	if err != nil {
		return "", err
	}
	return s.PlayTrack(ctx, item.Track, s.volume())
}

// HandleMediaEvent はメディア要素のイベントを受け取ります
// 曲が終わったとき、トランスポート権限を持っていればキューの次の曲へ進みます
func (s *Session) HandleMediaEvent(ctx context.Context, ev MediaEvent) {
	s.player.observe(ev)
	if ev != MediaEnded || !s.IsAuthority() {
		return
	}

	_, err := s.PlayNext(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		// 次の曲がなければ終端で止める
		_, _ = s.issuer.Pause(ctx, s.player.duration())
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("auto advance failed")
	}
}

// IsAuthority は自分が最後の操作の発行者かを返します
func (s *Session) IsAuthority() bool {
	st, ok := s.reconciler.Last()
	return ok && st.Initiator == s.self
}

// State は最後に受け入れた共有状態を返します
func (s *Session) State() (models.PlaybackState, bool) {
	return s.reconciler.Last()
}

// LivePosition は共有状態から計算した現在の再生位置を返します
func (s *Session) LivePosition() float64 {
	st, ok := s.reconciler.Last()
	if !ok {
		return 0
	}
	return LivePosition(st, s.deps.Clock.ServerNow())
}

// LastOpId は最後に発行したopIdを返します
func (s *Session) LastOpId() string {
	return s.issuer.LastOpId()
}

// Close はセッションを終了します。何度呼んでも安全です
// 未送信のシークは破棄され、送信中の書き込みは取り消しません
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.issuer.dropPendingSeek()
		s.heartbeat.Stop()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.cancel()
		s.logger.Info().Msg("playback session closed")
	})
}

func (s *Session) volume() float64 {
	if st, ok := s.reconciler.Last(); ok && st.Volume > 0 {
		return st.Volume
	}
	return 1.0
}
