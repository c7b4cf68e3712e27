package repo

import (
	"context"
	"encoding/json"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/redis/go-redis/v9"
)

type RedisRoomRepo struct{ rdb *redis.Client }

func NewRedisRoomRepo(rdb *redis.Client) *RedisRoomRepo {
	return &RedisRoomRepo{rdb: rdb}
}

// roomStateKeys はルームに付随する全キー（再生状態とキュー）を返します
func roomStateKeys(roomId string) []string {
	return []string{roomKey(roomId), usersKey(roomId), playbackKey(roomId), queueKey(roomId), queueItemsKey(roomId)}
}

func (rr *RedisRoomRepo) CreateRoom(ctx context.Context, room models.Room, ttlSec int) error {
	b, err := json.Marshal(room)
	if err != nil {
		return err
	}
	ok, err := rr.rdb.SetNX(ctx, roomKey(room.RoomId), b, sec(ttlSec)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomExists
	}
	return nil
}

func (rr *RedisRoomRepo) GetRoom(ctx context.Context, roomId string) (models.Room, bool, error) {
	val, err := rr.rdb.Get(ctx, roomKey(roomId)).Bytes()
	if err == redis.Nil { // データがない
		return models.Room{}, false, nil
	}
	if err != nil {
		return models.Room{}, false, err
	}
	var r models.Room
	if err := json.Unmarshal(val, &r); err != nil {
		return models.Room{}, false, err
	}
	return r, true, nil
}

// deleteRoomScript はルーム・参加者・再生状態・キューをアトミックに削除します
// KEYS: room, users, playback, queue, queue items
var deleteRoomScript = redis.NewScript(`
	local users_key = KEYS[2]
	local room_id = ARGV[1]

	-- 参加者一覧を取得
	local user_ids = redis.call('SMEMBERS', users_key)

	-- 削除するキーリストを構築
	local keys_to_delete = {}
	for _, k in ipairs(KEYS) do
		table.insert(keys_to_delete, k)
	end
	for _, uid in ipairs(user_ids) do
		table.insert(keys_to_delete, 'users:' .. room_id .. ':' .. uid)
	end

	redis.call('DEL', unpack(keys_to_delete))
	return 'OK'
`)

func (rr *RedisRoomRepo) DeleteRoom(ctx context.Context, roomId string) error {
	return deleteRoomScript.Run(ctx, rr.rdb, roomStateKeys(roomId), roomId).Err()
}

func (rr *RedisRoomRepo) AddUser(ctx context.Context, roomId string, user models.User, ttlSec int) error {
	b, err := json.Marshal(user)
	if err != nil {
		return err
	}
	d := sec(ttlSec)
	pipe := rr.rdb.TxPipeline()
	pipe.Set(ctx, userKey(roomId, user.UserId), b, d) // 部屋内にユーザー情報を追加
	pipe.SAdd(ctx, usersKey(roomId), user.UserId)     // 部屋内の参加者setに追加
	pipe.Expire(ctx, usersKey(roomId), d)
	pipe.Expire(ctx, roomKey(roomId), d)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveUser は参加者を削除し、残りの参加者数を返します
func (rr *RedisRoomRepo) RemoveUser(ctx context.Context, roomId, userId string) (int64, error) {
	pipe := rr.rdb.TxPipeline()
	pipe.SRem(ctx, usersKey(roomId), userId)
	pipe.Del(ctx, userKey(roomId, userId))
	remaining := pipe.SCard(ctx, usersKey(roomId))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return remaining.Val(), nil
}

func (rr *RedisRoomRepo) ListUser(ctx context.Context, roomId string) ([]models.User, error) {
	ids, err := rr.rdb.SMembers(ctx, usersKey(roomId)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.User{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userKey(roomId, id)
	}

	// 一括取得
	vals, err := rr.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	res := make([]models.User, 0, len(ids))
	for _, val := range vals {
		b, ok := val.(string)
		if !ok {
			continue
		}
		var u models.User
		if json.Unmarshal([]byte(b), &u) == nil {
			res = append(res, u)
		}
	}
	return res, nil
}

// touchRoomScript はルームに付随する全キーのTTLを延長します
var touchRoomScript = redis.NewScript(`
	local ttl = tonumber(ARGV[1])
	local room_id = ARGV[2]

	for _, k in ipairs(KEYS) do
		redis.call('EXPIRE', k, ttl)
	end

	local user_ids = redis.call('SMEMBERS', KEYS[2])
	for _, uid in ipairs(user_ids) do
		redis.call('EXPIRE', 'users:' .. room_id .. ':' .. uid, ttl)
	end

	return 'OK'
`)

func (rr *RedisRoomRepo) TouchRoom(ctx context.Context, roomId string, ttlSec int) error {
	return touchRoomScript.Run(ctx, rr.rdb, roomStateKeys(roomId), ttlSec, roomId).Err()
}

func (rr *RedisRoomRepo) ExistsRoom(ctx context.Context, roomId string) (bool, error) {
	n, err := rr.rdb.Exists(ctx, roomKey(roomId)).Result()
	return n == 1, err
}
