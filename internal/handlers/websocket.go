package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/metrics"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/playback"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/queue"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait                 = 5 * time.Second  // 1メッセージの書き込みタイムアウト
	defaultServerTimeInterval = 10 * time.Second // サーバー時刻の配信間隔
)

// RoomHub は部屋ごとのWebSocket接続を管理します
// 部屋に最初のクライアントが来たときに再生状態とキューを購読し、最後のクライアントが去ると解除します
type RoomHub struct {
	rooms  map[string]*Room // ルームIDをキーとしたルームのマップ
	mu     sync.RWMutex     // 読み書きのロック
	ctx    context.Context  // 購読の寿命（サーバーの寿命）
	store  *playback.Store
	queue  *queue.Queue
	logger zerolog.Logger
}

// Room は1つの部屋のWebSocket接続を管理します
// 各ルームは複数のクライアント（ユーザー）の接続を保持します
type Room struct {
	roomId      string             // ルームID
	clients     map[string]*Client // ユーザーIDをキーとしたクライアントのマップ
	mu          sync.RWMutex       // 読み書きのロック
	unsubscribe []func()           // 再生状態・キューの購読解除
}

// Client は1つのWebSocket接続を表します
type Client struct {
	userId    string          // ユーザーID
	userName  string          // 表示名（通知用）
	userImage string          // アイコンURL（通知用）
	conn      *websocket.Conn // WebSocket接続
	room      *Room           // 所属するルーム
	writeMu   sync.Mutex      // 接続への書き込みは同時に1つだけ
}

// WebSocketMessage はWebSocketで送信するメッセージの構造
type WebSocketMessage struct {
	Type    string `json:"type"`              // メッセージタイプ (例: "playback", "queue", "server_time")
	Payload any    `json:"payload,omitempty"` // メッセージのペイロード（型は動的）
}

// incomingMessage はクライアントから受信するメッセージ。ペイロードは種類ごとに後でデコードします
type incomingMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// LeavePayload はユーザー退出時のペイロード
type LeavePayload struct {
	UserId    string `json:"userId"`              // 退出するユーザーのID
	UserName  string `json:"userName,omitempty"`  // ユーザー名（オプショナル）
	UserImage string `json:"userImage,omitempty"` // ユーザーのアイコン画像URL（オプショナル）
}

// JoinPayload はユーザー参加時のペイロード
type JoinPayload struct {
	UserId    string `json:"userId"`              // 参加するユーザーのID
	UserName  string `json:"userName,omitempty"`  // ユーザー名（オプショナル）
	UserImage string `json:"userImage,omitempty"` // ユーザーのアイコン画像URL（オプショナル）
}

// PlaybackPayload は再生状態の変更通知（operation / heartbeat）
type PlaybackPayload struct {
	Kind  models.EventKind      `json:"kind"`
	State *models.PlaybackState `json:"state"`
}

// QueuePayload はキュー全件の通知
type QueuePayload struct {
	Items []models.QueueItem `json:"items"`
}

// ServerTimePayload はサーバー時刻のプッシュ（クロックオフセット推定用）
type ServerTimePayload struct {
	ServerTime int64 `json:"serverTime"` // Unixミリ秒
}

// TimeSyncPayload は往復によるサーバー時刻の問い合わせ
type TimeSyncPayload struct {
	ClientTime int64 `json:"clientTime"`           // クライアントが送信した時刻（そのまま返す）
	ServerTime int64 `json:"serverTime,omitempty"` // 応答時のサーバー時刻
}

// PlayTrackPayload は曲変更コマンド
type PlayTrackPayload struct {
	OpId   string       `json:"opId,omitempty"`
	Track  models.Track `json:"track"`
	Volume *float64     `json:"volume,omitempty"`
}

// TransportPayload は pause / resume / seek コマンド
type TransportPayload struct {
	OpId      string  `json:"opId,omitempty"`
	Position  float64 `json:"position"`
	IsPlaying bool    `json:"isPlaying"` // seek のみ
}

// EnqueuePayload はキュー追加コマンド
type EnqueuePayload struct {
	Track models.Track `json:"track"`
}

// PlayNextPayload はキューの次の曲を再生するコマンド
type PlayNextPayload struct {
	OpId   string   `json:"opId,omitempty"`
	Volume *float64 `json:"volume,omitempty"`
}

// AckPayload はコマンドの成功応答
type AckPayload struct {
	Type    string `json:"type"`
	OpId    string `json:"opId,omitempty"`
	Version int64  `json:"version,omitempty"`
	ItemId  string `json:"itemId,omitempty"`
}

// ErrorPayload はコマンドの失敗応答（UIではトーストとして表示する）
type ErrorPayload struct {
	Type    string `json:"type,omitempty"`
	OpId    string `json:"opId,omitempty"`
	Message string `json:"message"`
}

// WebSocketOptions はWebSocketハンドラーの設定
type WebSocketOptions struct {
	AllowedOrigins     []string      // 空なら全て許可
	ServerTimeInterval time.Duration // server_time の配信間隔
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	svc      *service.RoomService // ビジネスロジックを担当するサービス
	store    *playback.Store      // 共有再生状態
	queue    *queue.Queue         // ルームのキュー
	hub      *RoomHub             // WebSocket接続を管理するハブ
	upgrader websocket.Upgrader   // HTTPからWebSocketへのアップグレーダー
	interval time.Duration        // server_time の配信間隔
	logger   zerolog.Logger
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
// ctx はルームごとの購読の寿命になります
func NewWebSocketHandler(ctx context.Context, s *service.RoomService, store *playback.Store, q *queue.Queue, opts WebSocketOptions, logger zerolog.Logger) *WebSocketHandler {
	interval := opts.ServerTimeInterval
	if interval <= 0 {
		interval = defaultServerTimeInterval
	}
	origins := slices.Clone(opts.AllowedOrigins)
	return &WebSocketHandler{
		svc:   s,
		store: store,
		queue: q,
		hub: &RoomHub{
			rooms:  make(map[string]*Room),
			ctx:    ctx,
			store:  store,
			queue:  q,
			logger: logger,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// ブラウザ以外のクライアントはOriginを付けない
				return origin == "" || len(origins) == 0 || slices.Contains(origins, origin)
			},
		},
		interval: interval,
		logger:   logger,
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. 参加者であることを確認してWebSocketにアップグレード
// 2. クライアントの登録と現在の再生状態・キューの送信
// 3. サーバー時刻の定期配信とメッセージ受信ループ
// 4. 切断時の自動退出処理とクリーンアップ
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	userId := normalizeID(r.URL.Query().Get("userId"))

	if err := validateRoomId(roomId); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateUserId(userId); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, users, ok, err := h.svc.Get(r.Context(), roomId)
	if err != nil {
		h.logger.Error().Err(err).Str("room_id", roomId).Msg("room lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, service.ErrRoomNotFound.Error(), http.StatusNotFound)
		return
	}
	idx := slices.IndexFunc(users, func(u models.User) bool { return u.UserId == userId })
	if idx < 0 {
		http.Error(w, service.ErrNotMember.Error(), http.StatusForbidden)
		return
	}
	user := users[idx]

	// WebSocket接続にアップグレード
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	metrics.WSConnections.Inc()
	log := h.logger.With().Str("room_id", roomId).Str("user_id", userId).Logger()

	client, err := h.hub.registerClient(roomId, user, conn)
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe room")
		_ = conn.WriteJSON(WebSocketMessage{Type: "error", Payload: ErrorPayload{Message: "failed to subscribe room"}})
		_ = conn.Close()
		metrics.WSConnections.Dec()
		return
	}

	done := make(chan struct{})
	defer func() {
		close(done)
		// 同じユーザーが再接続して置き換えられた場合は退出させない
		if h.hub.unregisterClient(client) {
			// WebSocket切断時にユーザーをルームから退出させる
			gone, err := h.svc.Leave(context.Background(), roomId, userId)
			if err != nil {
				log.Warn().Err(err).Msg("failed to auto-leave on disconnect")
			} else {
				log.Info().Bool("room_deleted", gone).Msg("user auto-left on disconnect")
				h.hub.broadcastToRoom(client.room, WebSocketMessage{Type: "user_left", Payload: LeavePayload{UserId: userId}}, userId)
			}
		}

		_ = conn.Close()
		metrics.WSConnections.Dec()
	}()

	log.Info().Msg("websocket connected")
	h.sendSnapshot(r.Context(), client)
	go h.pushServerTime(client, done)

	// メッセージ受信ループ
	for {
		var msg incomingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		if msg.Type == "leave" {
			h.handleLeave(client, msg.Payload)
			return
		}
		h.handleMessage(r.Context(), client, msg)
	}
}

// handleMessage はメッセージタイプに応じてコマンドを処理します
func (h *WebSocketHandler) handleMessage(ctx context.Context, client *Client, msg incomingMessage) {
	roomId := client.room.roomId

	switch msg.Type {
	case "ping":
		// ping/pongで接続を維持
		h.reply(client, WebSocketMessage{Type: "pong"})

	case "time_sync":
		var p TimeSyncPayload
		if !h.decodePayload(client, msg, &p) {
			return
		}
		p.ServerTime = h.store.ServerNow()
		h.reply(client, WebSocketMessage{Type: "time_sync", Payload: p})

	case "play_track":
		var p PlayTrackPayload
		if !h.decodePayload(client, msg, &p) {
			return
		}
		if err := validateTrack(p.Track); err != nil {
			h.replyError(client, msg.Type, p.OpId, err.Error())
			return
		}
		volume := 1.0
		if p.Volume != nil {
			if err := validateVolume(*p.Volume); err != nil {
				h.replyError(client, msg.Type, p.OpId, err.Error())
				return
			}
			volume = *p.Volume
		}
		h.execute(ctx, client, msg.Type, playback.Command{Kind: playback.CmdChangeTrack, OpId: p.OpId, Track: p.Track, Volume: volume})

	case "pause", "resume", "seek":
		var p TransportPayload
		if !h.decodePayload(client, msg, &p) {
			return
		}
		kind := map[string]playback.CommandKind{"pause": playback.CmdPause, "resume": playback.CmdResume, "seek": playback.CmdSeek}[msg.Type]
		h.execute(ctx, client, msg.Type, playback.Command{Kind: kind, OpId: p.OpId, Position: p.Position, Playing: p.IsPlaying})

	case "enqueue":
		var p EnqueuePayload
		if !h.decodePayload(client, msg, &p) {
			return
		}
		if err := validateTrack(p.Track); err != nil {
			h.replyError(client, msg.Type, "", err.Error())
			return
		}
		itemId, err := h.queue.Add(ctx, roomId, client.userId, p.Track)
		if err != nil {
			h.commandFailed(client, msg.Type, "", err)
			return
		}
		h.reply(client, WebSocketMessage{Type: "ack", Payload: AckPayload{Type: msg.Type, ItemId: itemId}})

	case "play_next":
		var p PlayNextPayload
		if !h.decodePayload(client, msg, &p) {
			return
		}
		item, err := h.queue.DequeueFirst(ctx, roomId)
		if err != nil {
			h.commandFailed(client, msg.Type, p.OpId, err)
			return
		}
		volume := 1.0
		if p.Volume != nil && validateVolume(*p.Volume) == nil {
			volume = *p.Volume
		}
		h.execute(ctx, client, msg.Type, playback.Command{Kind: playback.CmdChangeTrack, OpId: p.OpId, Track: item.Track, Volume: volume})

	default:
		h.logger.Debug().Str("type", msg.Type).Msg("unknown message type")
		h.replyError(client, msg.Type, "", "unknown message type")
	}
}

// execute は再生コマンドを書き込み、結果を送信者に返します
// 他のクライアントへは購読経由で配信されます
func (h *WebSocketHandler) execute(ctx context.Context, client *Client, typ string, cmd playback.Command) {
	cmd.Issuer = client.userId
	cmd.OpId = normalizeID(cmd.OpId)
	st, err := h.store.Execute(ctx, client.room.roomId, cmd)
	if err != nil {
		h.commandFailed(client, typ, st.OpId, err)
		return
	}
	h.reply(client, WebSocketMessage{Type: "ack", Payload: AckPayload{Type: typ, OpId: st.OpId, Version: st.Version}})
}

func (h *WebSocketHandler) commandFailed(client *Client, typ, opId string, err error) {
	status, msg := errorStatus(err)
	level := zerolog.WarnLevel
	if status < http.StatusInternalServerError {
		level = zerolog.DebugLevel
	}
	h.logger.WithLevel(level).Err(err).Str("room_id", client.room.roomId).Str("user_id", client.userId).Str("type", typ).Msg("websocket command failed")
	h.replyError(client, typ, opId, msg)
}

// handleLeave はユーザーの明示的な退出を処理します
// 実際の退出処理は接続終了時のクリーンアップで行います
func (h *WebSocketHandler) handleLeave(client *Client, payload json.RawMessage) {
	var p LeavePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			h.logger.Debug().Err(err).Msg("failed to unmarshal leave payload")
		}
	}
	// userIdの検証
	if p.UserId != "" && p.UserId != client.userId {
		h.logger.Warn().Str("expected", client.userId).Str("got", p.UserId).Msg("userId mismatch on leave")
	}
	h.logger.Info().Str("room_id", client.room.roomId).Str("user_id", client.userId).Msg("user left via websocket")
}

func (h *WebSocketHandler) decodePayload(client *Client, msg incomingMessage, dst any) bool {
	if len(msg.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		h.replyError(client, msg.Type, "", "invalid payload")
		return false
	}
	return true
}

func (h *WebSocketHandler) reply(client *Client, msg WebSocketMessage) {
	if err := client.send(msg); err != nil {
		h.logger.Debug().Err(err).Str("user_id", client.userId).Str("type", msg.Type).Msg("failed to send reply")
	}
}

func (h *WebSocketHandler) replyError(client *Client, typ, opId, message string) {
	h.reply(client, WebSocketMessage{Type: "error", Payload: ErrorPayload{Type: typ, OpId: opId, Message: message}})
}

// sendSnapshot は接続直後のクライアントに現在の再生状態とキューを送ります
func (h *WebSocketHandler) sendSnapshot(ctx context.Context, client *Client) {
	roomId := client.room.roomId
	if st, ok, err := h.store.Current(ctx, roomId); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomId).Msg("failed to read playback snapshot")
	} else if ok {
		h.reply(client, WebSocketMessage{Type: "playback", Payload: PlaybackPayload{Kind: models.EventOperation, State: &st}})
	}
	if items, err := h.queue.List(ctx, roomId); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomId).Msg("failed to read queue snapshot")
	} else {
		h.reply(client, WebSocketMessage{Type: "queue", Payload: QueuePayload{Items: items}})
	}
}

// pushServerTime はクライアントのクロックオフセット推定のためにサーバー時刻を定期的に送ります
func (h *WebSocketHandler) pushServerTime(client *Client, done <-chan struct{}) {
	send := func() bool {
		err := client.send(WebSocketMessage{Type: "server_time", Payload: ServerTimePayload{ServerTime: h.store.ServerNow()}})
		return err == nil
	}
	if !send() {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

// send は書き込みタイムアウト付きでメッセージを送ります
func (c *Client) send(msg WebSocketMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// registerClient はクライアントを登録します
// ルームが存在しない場合は新規作成して再生状態とキューを購読し、既存の参加者に参加通知を送信します
func (hub *RoomHub) registerClient(roomId string, user models.User, conn *websocket.Conn) (*Client, error) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	room, exists := hub.rooms[roomId]
	if !exists {
		room = &Room{
			roomId:  roomId,
			clients: make(map[string]*Client),
		}
		if err := hub.subscribe(room); err != nil {
			return nil, err
		}
		hub.rooms[roomId] = room
		metrics.ActiveRooms.Inc()
	}

	client := &Client{
		userId:    user.UserId,
		userName:  user.UserName,
		userImage: user.UserImage,
		conn:      conn,
		room:      room,
	}

	room.mu.Lock()
	if old, ok := room.clients[user.UserId]; ok {
		// 同じユーザーの古い接続は閉じる
		_ = old.conn.Close()
	}
	room.clients[user.UserId] = client
	room.mu.Unlock()

	// 既存の参加者に新しいユーザーの参加を通知
	hub.broadcastToRoom(room, WebSocketMessage{
		Type: "user_joined",
		Payload: JoinPayload{
			UserId:    user.UserId,
			UserName:  user.UserName,
			UserImage: user.UserImage,
		},
	}, user.UserId)

	hub.logger.Debug().Str("room_id", roomId).Str("user_id", user.UserId).Msg("user joined and broadcasted")
	return client, nil
}

// subscribe はルームの再生状態とキューの変更を購読し、全クライアントに中継します
func (hub *RoomHub) subscribe(room *Room) error {
	unsubPlayback, err := hub.store.Subscribe(hub.ctx, room.roomId, func(ev models.PlaybackEvent) {
		if ev.Kind == models.EventDeleted {
			hub.broadcastToRoom(room, WebSocketMessage{Type: "room_deleted"}, "")
			return
		}
		hub.broadcastToRoom(room, WebSocketMessage{Type: "playback", Payload: PlaybackPayload{Kind: ev.Kind, State: ev.State}}, "")
	})
	if err != nil {
		return err
	}
	unsubQueue, err := hub.queue.Subscribe(hub.ctx, room.roomId, func(items []models.QueueItem) {
		hub.broadcastToRoom(room, WebSocketMessage{Type: "queue", Payload: QueuePayload{Items: items}}, "")
	})
	if err != nil {
		unsubPlayback()
		return err
	}
	room.unsubscribe = []func(){unsubPlayback, unsubQueue}
	return nil
}

// unregisterClient はクライアントの登録を解除します
// WebSocket接続が切断された際に呼ばれます
// ルームが空になった場合は購読を解除してルーム自体を削除します
// 戻り値は client がまだ登録されていたか（再接続で置き換えられていればfalse）
func (hub *RoomHub) unregisterClient(client *Client) bool {
	room := client.room

	hub.mu.Lock()
	room.mu.Lock()
	current := room.clients[client.userId] == client
	if current {
		delete(room.clients, client.userId)
	}
	isEmpty := len(room.clients) == 0
	room.mu.Unlock()
	// 部屋が空になったら削除
	if isEmpty && hub.rooms[room.roomId] == room {
		delete(hub.rooms, room.roomId)
		metrics.ActiveRooms.Dec()
	} else {
		isEmpty = false
	}
	hub.mu.Unlock()

	if isEmpty {
		for _, unsubscribe := range room.unsubscribe {
			unsubscribe()
		}
		hub.logger.Debug().Str("room_id", room.roomId).Msg("hub room closed")
	}
	return current
}

// broadcastToRoom は部屋内の全クライアントにメッセージを送信します（excludeUserId を除く）
func (hub *RoomHub) broadcastToRoom(room *Room, msg WebSocketMessage, excludeUserId string) {
	room.mu.RLock()
	clients := make([]*Client, 0, len(room.clients))
	for userId, client := range room.clients {
		if userId != excludeUserId {
			clients = append(clients, client)
		}
	}
	room.mu.RUnlock()

	for _, client := range clients {
		if err := client.send(msg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			hub.logger.Debug().Err(err).Str("user_id", client.userId).Str("type", msg.Type).Msg("failed to send message")
		}
	}
}
