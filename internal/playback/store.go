package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/clock"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/idgen"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/metrics"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/repo"
	"github.com/rs/zerolog"
)

// CommandKind は操作の種類です
type CommandKind string

const (
	CmdChangeTrack CommandKind = "change_track"
	CmdPause       CommandKind = "pause"
	CmdResume      CommandKind = "resume"
	CmdSeek        CommandKind = "seek"
)

// Command はバージョンを1つ進める操作です
type Command struct {
	Kind     CommandKind
	OpId     string       // 空の場合は生成する
	Issuer   string       // 発行したクライアントID
	Track    models.Track // CmdChangeTrack のみ
	Volume   float64      // CmdChangeTrack のみ
	Position float64      // CmdPause / CmdResume / CmdSeek
	Playing  bool         // CmdSeek のみ（シーク後に再生するか）
}

// Commander は操作を共有ストアに書き込むインターフェース
type Commander interface {
	Execute(ctx context.Context, roomId string, cmd Command) (models.PlaybackState, error)
}

// StoreOptions は Store の挙動を指定します
type StoreOptions struct {
	TTLSec  int  // 再生状態のTTL（0なら期限なし）
	CAS     bool // true: 期待バージョンが一致した場合のみ書き込む / false: 後勝ち
	Retries int  // CAS競合時に読み直して再試行する回数
}

// Store はルームの再生状態に対する書き込み操作を提供します
// どの操作も現在のレコードを読んでから version+1 を書き込みます
type Store struct {
	repo   repo.PlaybackRepo
	clock  clock.ServerClock
	opts   StoreOptions
	logger zerolog.Logger
}

// NewStore は新しい Store を作成します
func NewStore(r repo.PlaybackRepo, c clock.ServerClock, opts StoreOptions, logger zerolog.Logger) *Store {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Store{repo: r, clock: c, opts: opts, logger: logger}
}

// ChangeTrack はトラックを切り替えて先頭から再生します。発行したopIdを返します
func (s *Store) ChangeTrack(ctx context.Context, roomId, issuer string, track models.Track, volume float64) (string, error) {
	st, err := s.Execute(ctx, roomId, Command{Kind: CmdChangeTrack, Issuer: issuer, Track: track, Volume: volume})
	return st.OpId, err
}

// Pause は指定位置で一時停止します
func (s *Store) Pause(ctx context.Context, roomId, issuer string, position float64) (string, error) {
	st, err := s.Execute(ctx, roomId, Command{Kind: CmdPause, Issuer: issuer, Position: position})
	return st.OpId, err
}

// Resume は指定位置から再生を再開します
func (s *Store) Resume(ctx context.Context, roomId, issuer string, position float64) (string, error) {
	st, err := s.Execute(ctx, roomId, Command{Kind: CmdResume, Issuer: issuer, Position: position})
	return st.OpId, err
}

// Seek は指定位置へ移動し、isPlaying に応じて再生または一時停止します
func (s *Store) Seek(ctx context.Context, roomId, issuer string, position float64, isPlaying bool) (string, error) {
	st, err := s.Execute(ctx, roomId, Command{Kind: CmdSeek, Issuer: issuer, Position: position, Playing: isPlaying})
	return st.OpId, err
}

// Current は現在の再生状態を返します
func (s *Store) Current(ctx context.Context, roomId string) (models.PlaybackState, bool, error) {
	return s.repo.GetPlayback(ctx, roomId)
}

// ServerNow はストアが使っているサーバー時刻の推定値を返します
func (s *Store) ServerNow() int64 {
	return s.clock.ServerNow()
}

// Execute は操作を1回の書き込みとして適用します
// CASモードでは他の書き込みとバージョンが衝突した場合に読み直して再試行します
// 後勝ちモードでは衝突を検出せず、version+1 が重複することがあります
func (s *Store) Execute(ctx context.Context, roomId string, cmd Command) (models.PlaybackState, error) {
	if err := validate(cmd); err != nil {
		return models.PlaybackState{}, err
	}
	if cmd.OpId == "" {
		cmd.OpId = idgen.NewOpID()
	}

	for attempt := 0; ; attempt++ {
		cur, exists, err := s.repo.GetPlayback(ctx, roomId)
		if err != nil {
			return models.PlaybackState{OpId: cmd.OpId}, fmt.Errorf("read playback: %w", err)
		}
		if !exists && cmd.Kind != CmdChangeTrack {
			return models.PlaybackState{OpId: cmd.OpId}, ErrNoTrack
		}

		next := s.build(cur, cmd)
		expected := repo.AnyVersion
		if s.opts.CAS {
			expected = cur.Version
		}

		written, err := s.repo.WritePlayback(ctx, roomId, next, expected, s.opts.TTLSec)
		if err == nil {
			metrics.Operations.WithLabelValues(string(cmd.Kind)).Inc()
			s.logger.Debug().
				Str("room_id", roomId).
				Str("kind", string(cmd.Kind)).
				Str("op_id", cmd.OpId).
				Int64("version", written.Version).
				Msg("playback operation written")
			return written, nil
		}
		if !errors.Is(err, repo.ErrVersionConflict) {
			return models.PlaybackState{OpId: cmd.OpId}, fmt.Errorf("write playback: %w", err)
		}

		metrics.VersionConflicts.Inc()
		if attempt >= s.opts.Retries {
			return models.PlaybackState{OpId: cmd.OpId}, fmt.Errorf("%w: %v", ErrConflictRetries, err)
		}
		s.logger.Debug().Err(err).Str("room_id", roomId).Int("attempt", attempt+1).Msg("retrying playback write")
	}
}

// build は現在の状態に操作を適用した次の状態を作ります
func (s *Store) build(cur models.PlaybackState, cmd Command) models.PlaybackState {
	next := cur
	next.Initiator = cmd.Issuer
	next.OpId = cmd.OpId
	next.Version = cur.Version + 1

	switch cmd.Kind {
	case CmdChangeTrack:
		next.TrackId = cmd.Track.TrackId
		next.TrackMeta = cmd.Track.Meta
		next.Volume = cmd.Volume
		next.IsPlaying = true
		next.Position = 0
	case CmdPause:
		next.IsPlaying = false
		next.Position = cmd.Position
	case CmdResume:
		next.IsPlaying = true
		next.Position = cmd.Position
	case CmdSeek:
		next.IsPlaying = cmd.Playing
		next.Position = cmd.Position
	}

	if next.IsPlaying {
		now := s.clock.ServerNow()
		next.PlayStartServerTime = &now
	} else {
		next.PlayStartServerTime = nil
	}
	return next
}

func validate(cmd Command) error {
	switch cmd.Kind {
	case CmdChangeTrack:
		if cmd.Track.TrackId == "" {
			return fmt.Errorf("%w: trackId required", ErrNoTrack)
		}
	case CmdPause, CmdResume, CmdSeek:
		if !validPosition(cmd.Position) {
			return ErrInvalidPosition
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}
	return nil
}

// Heartbeat は位置の補正を書き込みます（バージョンは増やさない）
// 保存済みの opId が異なる場合は false を返します
func (s *Store) Heartbeat(ctx context.Context, roomId string, hb models.Heartbeat) (models.PlaybackState, bool, error) {
	return s.repo.WriteHeartbeat(ctx, roomId, hb)
}

// Subscribe はルームの再生状態を購読します
// 最初に現在の状態を1回配信し、その後は変更のたびにスナップショットを配信します
// fn は単一のgoroutineから順番に呼ばれます。返される解除関数は何度呼んでも安全です
func (s *Store) Subscribe(ctx context.Context, roomId string, fn func(models.PlaybackEvent)) (func(), error) {
	sub, err := s.repo.SubscribePlayback(ctx, roomId)
	if err != nil {
		return nil, fmt.Errorf("subscribe playback: %w", err)
	}

	// 購読を確立してから読むことで、その間の更新を取りこぼさない（重複はバージョンで吸収する）
	cur, ok, err := s.repo.GetPlayback(ctx, roomId)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("read playback: %w", err)
	}

	go func() {
		if ok {
			fn(models.PlaybackEvent{RoomId: roomId, Kind: models.EventOperation, State: &cur})
		}
		for ev := range sub.C {
			fn(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { _ = sub.Close() })
	}, nil
}
