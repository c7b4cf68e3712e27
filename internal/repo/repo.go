package repo

import (
	"context"
	"errors"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
)

var (
	ErrRoomExists      = errors.New("room already exists")
	ErrVersionConflict = errors.New("playback version conflict")
)

// AnyVersion を期待バージョンに渡すと競合チェックなし（後勝ち）で書き込みます
const AnyVersion int64 = -1

type RoomRepo interface {
	CreateRoom(ctx context.Context, room models.Room, ttlSec int) error
	GetRoom(ctx context.Context, roomId string) (models.Room, bool, error)
	DeleteRoom(ctx context.Context, roomId string) error

	AddUser(ctx context.Context, roomId string, user models.User, ttlSec int) error
	RemoveUser(ctx context.Context, roomId, userId string) (remaining int64, err error)
	ListUser(ctx context.Context, roomId string) ([]models.User, error)

	TouchRoom(ctx context.Context, roomId string, ttlSec int) error
	ExistsRoom(ctx context.Context, roomId string) (bool, error)
}

// PlaybackRepo はルームの共有再生状態（1ルーム1レコード）を扱います
type PlaybackRepo interface {
	GetPlayback(ctx context.Context, roomId string) (models.PlaybackState, bool, error)
	// WritePlayback は状態を丸ごと上書きし、サーバー時刻を付与したものを返します
	// expectedVersion が AnyVersion 以外で保存済みのバージョンと異なる場合は ErrVersionConflict を返します
	WritePlayback(ctx context.Context, roomId string, st models.PlaybackState, expectedVersion int64, ttlSec int) (models.PlaybackState, error)
	// WriteHeartbeat は保存済みの opId が一致する場合のみ位置をマージします
	WriteHeartbeat(ctx context.Context, roomId string, hb models.Heartbeat) (models.PlaybackState, bool, error)
	PublishDeleted(ctx context.Context, roomId string) error
	SubscribePlayback(ctx context.Context, roomId string) (*Subscription[models.PlaybackEvent], error)
	ServerTime(ctx context.Context) (time.Time, error)
}

// QueueRepo はルームのキュー（追記型、複数書き込み者）を扱います
type QueueRepo interface {
	AddItem(ctx context.Context, roomId string, track models.Track, addedBy string, ttlSec int) (models.QueueItem, error)
	RemoveItem(ctx context.Context, roomId, itemId string) (bool, error)
	ListItems(ctx context.Context, roomId string) ([]models.QueueItem, error)
	FirstItem(ctx context.Context, roomId string) (models.QueueItem, bool, error)
	PublishDeleted(ctx context.Context, roomId string) error
	SubscribeQueue(ctx context.Context, roomId string) (*Subscription[models.QueueEvent], error)
}
