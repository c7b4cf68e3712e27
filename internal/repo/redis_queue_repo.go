package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/idgen"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisQueueRepo はキューをソート済みセット（スコア＝追加時のサーバー時刻）で保持します
// 同じスコアのメンバーはRedisが辞書順に並べるので、(時刻, itemId) の全順序がそのまま得られます
type RedisQueueRepo struct{ rdb *redis.Client }

func NewRedisQueueRepo(rdb *redis.Client) *RedisQueueRepo {
	return &RedisQueueRepo{rdb: rdb}
}

func (qr *RedisQueueRepo) AddItem(ctx context.Context, roomId string, track models.Track, addedBy string, ttlSec int) (models.QueueItem, error) {
	now, err := qr.rdb.Time(ctx).Result()
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("server time: %w", err)
	}
	item := models.QueueItem{
		ItemId:            idgen.NewItemID(),
		Track:             track,
		AddedBy:           addedBy,
		AddedAtServerTime: now.UnixMilli(),
	}
	b, err := json.Marshal(item)
	if err != nil {
		return models.QueueItem{}, err
	}

	pipe := qr.rdb.TxPipeline()
	pipe.HSet(ctx, queueItemsKey(roomId), item.ItemId, b)
	pipe.ZAdd(ctx, queueKey(roomId), redis.Z{Score: float64(item.AddedAtServerTime), Member: item.ItemId})
	if ttlSec > 0 {
		pipe.Expire(ctx, queueItemsKey(roomId), sec(ttlSec))
		pipe.Expire(ctx, queueKey(roomId), sec(ttlSec))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueItem{}, err
	}

	return item, qr.publish(ctx, models.QueueEvent{RoomId: roomId, Kind: "added", ItemId: item.ItemId})
}

// RemoveItem はIDで削除します。既に削除済みの場合は false を返します（エラーではない）
func (qr *RedisQueueRepo) RemoveItem(ctx context.Context, roomId, itemId string) (bool, error) {
	pipe := qr.rdb.TxPipeline()
	removed := pipe.ZRem(ctx, queueKey(roomId), itemId)
	pipe.HDel(ctx, queueItemsKey(roomId), itemId)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	if removed.Val() == 0 {
		return false, nil
	}
	return true, qr.publish(ctx, models.QueueEvent{RoomId: roomId, Kind: "removed", ItemId: itemId})
}

func (qr *RedisQueueRepo) ListItems(ctx context.Context, roomId string) ([]models.QueueItem, error) {
	ids, err := qr.rdb.ZRange(ctx, queueKey(roomId), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return qr.loadItems(ctx, roomId, ids)
}

func (qr *RedisQueueRepo) FirstItem(ctx context.Context, roomId string) (models.QueueItem, bool, error) {
	ids, err := qr.rdb.ZRange(ctx, queueKey(roomId), 0, 0).Result()
	if err != nil {
		return models.QueueItem{}, false, err
	}
	items, err := qr.loadItems(ctx, roomId, ids)
	if err != nil {
		return models.QueueItem{}, false, err
	}
	if len(items) == 0 {
		// 読み取りの間に削除された場合は全件から選び直す
		if len(ids) == 0 {
			return models.QueueItem{}, false, nil
		}
		all, err := qr.ListItems(ctx, roomId)
		if err != nil || len(all) == 0 {
			return models.QueueItem{}, false, err
		}
		return all[0], true, nil
	}
	return items[0], true, nil
}

func (qr *RedisQueueRepo) SubscribeQueue(ctx context.Context, roomId string) (*Subscription[models.QueueEvent], error) {
	return subscribe[models.QueueEvent](ctx, qr.rdb, queueChannel(roomId))
}

// PublishDeleted はルーム削除をキューの購読者に通知します
func (qr *RedisQueueRepo) PublishDeleted(ctx context.Context, roomId string) error {
	return qr.publish(ctx, models.QueueEvent{RoomId: roomId, Kind: "deleted"})
}

func (qr *RedisQueueRepo) loadItems(ctx context.Context, roomId string, ids []string) ([]models.QueueItem, error) {
	if len(ids) == 0 {
		return []models.QueueItem{}, nil
	}
	vals, err := qr.rdb.HMGet(ctx, queueItemsKey(roomId), ids...).Result()
	if err != nil {
		return nil, err
	}

	items := make([]models.QueueItem, 0, len(vals))
	for _, val := range vals {
		b, ok := val.(string)
		if !ok {
			continue
		}
		var it models.QueueItem
		if json.Unmarshal([]byte(b), &it) == nil {
			items = append(items, it)
		}
	}
	// スコアはfloat64なので、整数のまま並べ直して順序を確定させる
	slices.SortStableFunc(items, func(a, b models.QueueItem) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	return items, nil
}

func (qr *RedisQueueRepo) publish(ctx context.Context, ev models.QueueEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return qr.rdb.Publish(ctx, queueChannel(ev.RoomId), b).Err()
}
