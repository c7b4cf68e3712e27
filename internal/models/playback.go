package models

// TrackMeta は表示用のトラック情報です
// クライアントが二度目の問い合わせをしなくて済むよう、状態に非正規化して持ちます
type TrackMeta struct {
	Title    string  `json:"title"`              // 曲名
	Artist   string  `json:"artist,omitempty"`   // アーティスト名
	Artwork  string  `json:"artwork,omitempty"`  // アートワークの参照（URLなど）
	Duration float64 `json:"duration,omitempty"` // 曲の長さ（秒）、不明なら0
}

// Track は再生対象のトラックです
type Track struct {
	TrackId string    `json:"trackId"` // トラックの識別子
	Meta    TrackMeta `json:"meta"`    // 表示用メタデータ
}

// PlaybackState はルームごとに1件だけ存在する共有再生状態です
// 操作のたびに上書きされ、Version は操作でのみ増加します（ハートビートでは増えない）
type PlaybackState struct {
	TrackId             string    `json:"trackId"`                       // 現在のトラック
	TrackMeta           TrackMeta `json:"trackMeta"`                     // 表示用メタデータ
	IsPlaying           bool      `json:"isPlaying"`                     // 再生中フラグ
	Position            float64   `json:"position"`                      // UpdatedAtServerTime 時点の再生位置（秒）
	Volume              float64   `json:"volume"`                        // 参考値（クライアントごとの音量は強制しない）
	Initiator           string    `json:"initiator"`                     // この状態を発行したクライアントID
	OpId                string    `json:"opId"`                          // 操作ごとに一意なID（自分のエコー判定用）
	Version             int64     `json:"version"`                       // 単調増加するバージョン
	UpdatedAtServerTime int64     `json:"updatedAtServerTime"`           // 書き込み時のサーバー時刻（Unixミリ秒）
	PlayStartServerTime *int64    `json:"playStartServerTime,omitempty"` // 再生開始のサーバー時刻（一時停止中はnil）
}

// Track は状態に含まれるトラックを返します
func (s PlaybackState) Track() Track {
	return Track{TrackId: s.TrackId, Meta: s.TrackMeta}
}

// Heartbeat はトランスポート権限を持つクライアントが定期的に送る位置の更新です
// バージョンとopIdは変更せず、位置関連のフィールドだけをマージします
type Heartbeat struct {
	OpId                string  `json:"opId"`                          // 権限の根拠となった操作のopId
	Position            float64 `json:"position"`                      // 現在位置（秒）
	PlayStartServerTime *int64  `json:"playStartServerTime,omitempty"` // 再生中ならserverNow()、一時停止中はnil
}

// EventKind はブロードキャストされる再生イベントの種類です
type EventKind string

const (
	EventOperation EventKind = "operation" // バージョンを増やす操作
	EventHeartbeat EventKind = "heartbeat" // 位置の補正のみ
	EventDeleted   EventKind = "deleted"   // ルームが削除された
)

// PlaybackEvent は購読者に配信される状態のスナップショットです
type PlaybackEvent struct {
	RoomId string         `json:"roomId"`
	Kind   EventKind      `json:"kind"`
	State  *PlaybackState `json:"state,omitempty"` // deleted の場合はnil
}

// QueueItem はルームのキューに積まれた1曲です
type QueueItem struct {
	ItemId            string `json:"itemId"`            // サーバー側で採番（同時刻のタイブレークにも使う）
	Track             Track  `json:"track"`             // トラック
	AddedBy           string `json:"addedBy"`           // 追加したメンバーID
	AddedAtServerTime int64  `json:"addedAtServerTime"` // 追加時のサーバー時刻（Unixミリ秒）、第一ソートキー
}

// Before は (AddedAtServerTime, ItemId) の辞書順で q が o より前かを返します
func (q QueueItem) Before(o QueueItem) bool {
	if q.AddedAtServerTime != o.AddedAtServerTime {
		return q.AddedAtServerTime < o.AddedAtServerTime
	}
	return q.ItemId < o.ItemId
}

// QueueEvent はキューの変更通知です
// 受け取った側は差分ではなく全件を読み直して描画します
type QueueEvent struct {
	RoomId string `json:"roomId"`
	Kind   string `json:"kind"` // "added" / "removed" / "deleted"
	ItemId string `json:"itemId,omitempty"`
}
