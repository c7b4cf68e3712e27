package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisPlaybackRepo は再生状態をRedisのハッシュに保存し、変更をPub/Subで配信します
// ハッシュにしているのは、ハートビートで位置のフィールドだけをマージするためです
type RedisPlaybackRepo struct{ rdb *redis.Client }

func NewRedisPlaybackRepo(rdb *redis.Client) *RedisPlaybackRepo {
	return &RedisPlaybackRepo{rdb: rdb}
}

// writePlaybackScript は期待バージョンを確認してから状態を丸ごと置き換えます
// ARGV: expectedVersion, ttlSec, field1, value1, ...
// 戻り値: {1 or 0, 保存済みだったバージョン}
var writePlaybackScript = redis.NewScript(`
	local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
	local expected = tonumber(ARGV[1])
	if expected >= 0 and cur ~= expected then
		return {0, cur}
	end

	redis.call('DEL', KEYS[1])
	redis.call('HSET', KEYS[1], unpack(ARGV, 3))

	local ttl = tonumber(ARGV[2])
	if ttl > 0 then
		redis.call('EXPIRE', KEYS[1], ttl)
	end
	return {1, cur}
`)

// heartbeatScript は opId が一致する場合だけ位置関連のフィールドを更新します
// ARGV: opId, position, playStartServerTime, updatedAtServerTime
var heartbeatScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'opId') ~= ARGV[1] then
		return false
	end
	redis.call('HSET', KEYS[1],
		'position', ARGV[2],
		'playStartServerTime', ARGV[3],
		'updatedAtServerTime', ARGV[4])
	return redis.call('HGETALL', KEYS[1])
`)

func (pr *RedisPlaybackRepo) ServerTime(ctx context.Context) (time.Time, error) {
	return pr.rdb.Time(ctx).Result()
}

func (pr *RedisPlaybackRepo) GetPlayback(ctx context.Context, roomId string) (models.PlaybackState, bool, error) {
	fields, err := pr.rdb.HGetAll(ctx, playbackKey(roomId)).Result()
	if err != nil {
		return models.PlaybackState{}, false, err
	}
	if len(fields) == 0 {
		return models.PlaybackState{}, false, nil
	}
	st, err := decodeState(fields)
	if err != nil {
		return models.PlaybackState{}, false, err
	}
	return st, true, nil
}

func (pr *RedisPlaybackRepo) WritePlayback(ctx context.Context, roomId string, st models.PlaybackState, expectedVersion int64, ttlSec int) (models.PlaybackState, error) {
	now, err := pr.ServerTime(ctx)
	if err != nil {
		return models.PlaybackState{}, fmt.Errorf("server time: %w", err)
	}
	st.UpdatedAtServerTime = now.UnixMilli()

	args := []any{expectedVersion, ttlSec}
	args = append(args, encodeState(st)...)
	res, err := writePlaybackScript.Run(ctx, pr.rdb, []string{playbackKey(roomId)}, args...).Int64Slice()
	if err != nil {
		return models.PlaybackState{}, err
	}
	if len(res) != 2 {
		return models.PlaybackState{}, fmt.Errorf("unexpected script reply %v", res)
	}
	if res[0] == 0 {
		return models.PlaybackState{}, fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, expectedVersion, res[1])
	}

	if err := pr.publish(ctx, roomId, models.PlaybackEvent{RoomId: roomId, Kind: models.EventOperation, State: &st}); err != nil {
		return st, err
	}
	return st, nil
}

func (pr *RedisPlaybackRepo) WriteHeartbeat(ctx context.Context, roomId string, hb models.Heartbeat) (models.PlaybackState, bool, error) {
	now, err := pr.ServerTime(ctx)
	if err != nil {
		return models.PlaybackState{}, false, fmt.Errorf("server time: %w", err)
	}

	playStart := ""
	if hb.PlayStartServerTime != nil {
		playStart = strconv.FormatInt(*hb.PlayStartServerTime, 10)
	}
	raw, err := heartbeatScript.Run(ctx, pr.rdb, []string{playbackKey(roomId)},
		hb.OpId, formatFloat(hb.Position), playStart, now.UnixMilli()).StringSlice()
	if errors.Is(err, redis.Nil) {
		// 別の操作で上書きされている（権限を失った）
		return models.PlaybackState{}, false, nil
	}
	if err != nil {
		return models.PlaybackState{}, false, err
	}

	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		fields[raw[i]] = raw[i+1]
	}
	st, err := decodeState(fields)
	if err != nil {
		return models.PlaybackState{}, false, err
	}

	if err := pr.publish(ctx, roomId, models.PlaybackEvent{RoomId: roomId, Kind: models.EventHeartbeat, State: &st}); err != nil {
		return st, true, err
	}
	return st, true, nil
}

func (pr *RedisPlaybackRepo) PublishDeleted(ctx context.Context, roomId string) error {
	return pr.publish(ctx, roomId, models.PlaybackEvent{RoomId: roomId, Kind: models.EventDeleted})
}

func (pr *RedisPlaybackRepo) SubscribePlayback(ctx context.Context, roomId string) (*Subscription[models.PlaybackEvent], error) {
	return subscribe[models.PlaybackEvent](ctx, pr.rdb, playbackChannel(roomId))
}

func (pr *RedisPlaybackRepo) publish(ctx context.Context, roomId string, ev models.PlaybackEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return pr.rdb.Publish(ctx, playbackChannel(roomId), b).Err()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// encodeState は状態をHSET用のフィールド/値の並びに変換します
func encodeState(st models.PlaybackState) []any {
	meta, _ := json.Marshal(st.TrackMeta)
	playing := "0"
	if st.IsPlaying {
		playing = "1"
	}
	playStart := ""
	if st.PlayStartServerTime != nil {
		playStart = strconv.FormatInt(*st.PlayStartServerTime, 10)
	}
	return []any{
		"trackId", st.TrackId,
		"trackMeta", string(meta),
		"isPlaying", playing,
		"position", formatFloat(st.Position),
		"volume", formatFloat(st.Volume),
		"initiator", st.Initiator,
		"opId", st.OpId,
		"version", strconv.FormatInt(st.Version, 10),
		"updatedAtServerTime", strconv.FormatInt(st.UpdatedAtServerTime, 10),
		"playStartServerTime", playStart,
	}
}

func decodeState(f map[string]string) (models.PlaybackState, error) {
	st := models.PlaybackState{
		TrackId:   f["trackId"],
		IsPlaying: f["isPlaying"] == "1",
		Initiator: f["initiator"],
		OpId:      f["opId"],
	}
	if m := f["trackMeta"]; m != "" {
		if err := json.Unmarshal([]byte(m), &st.TrackMeta); err != nil {
			return st, fmt.Errorf("decode trackMeta: %w", err)
		}
	}

	var err error
	if st.Position, err = parseFloat(f["position"]); err != nil {
		return st, fmt.Errorf("decode position: %w", err)
	}
	if st.Volume, err = parseFloat(f["volume"]); err != nil {
		return st, fmt.Errorf("decode volume: %w", err)
	}
	if st.Version, err = parseInt(f["version"]); err != nil {
		return st, fmt.Errorf("decode version: %w", err)
	}
	if st.UpdatedAtServerTime, err = parseInt(f["updatedAtServerTime"]); err != nil {
		return st, fmt.Errorf("decode updatedAtServerTime: %w", err)
	}
	if v := f["playStartServerTime"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return st, fmt.Errorf("decode playStartServerTime: %w", err)
		}
		st.PlayStartServerTime = &n
	}
	return st, nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
