package handlers

import (
	"net/http"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/playback"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// RoomHandler はルームの作成・参加・退出を扱います
// 参加時には途中参加者がすぐ追従できるよう、共有再生状態のスナップショットを返します
type RoomHandler struct {
	svc    *service.RoomService
	store  *playback.Store
	logger zerolog.Logger
}

func NewRoomHandler(s *service.RoomService, store *playback.Store, logger zerolog.Logger) *RoomHandler {
	return &RoomHandler{svc: s, store: store, logger: logger}
}

// memberRequest は作成と参加で共通のユーザー情報
type memberRequest struct {
	UserId    string `json:"userId"`
	UserName  string `json:"userName"`
	UserImage string `json:"userImage"`
}

func (r memberRequest) validate() error {
	return validateUserId(r.UserId)
}

func (r memberRequest) user() models.User {
	return models.User{UserId: normalizeID(r.UserId), UserName: r.UserName, UserImage: r.UserImage}
}

type userRequest struct {
	UserId string `json:"userId"`
}

func (r userRequest) validate() error {
	return validateUserId(r.UserId)
}

type roomResponse struct {
	Room     models.Room      `json:"room"`
	Users    []models.User    `json:"users"`
	Playback playbackResponse `json:"playback"`
}

type joinResponse struct {
	Success bool   `json:"success"`
	RoomId  string `json:"roomId"`
	playbackResponse
}

// roomParam はパスの roomId を取り出します。不正なら400を返して false
func roomParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return roomId, true
}

// decodeValid はボディをデコードし、validate まで通ったら true
func decodeValid[T interface{ validate() error }](w http.ResponseWriter, r *http.Request, in *T) bool {
	if !decodeJSON(w, r, in) {
		return false
	}
	if err := (*in).validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in memberRequest
	if !decodeValid(w, r, &in) {
		return
	}
	owner := in.user()
	id, err := h.svc.Create(r.Context(), owner)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", owner.UserId).Msg("create room failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "roomId": id})
}

// Get はルーム情報とメンバー、現在の再生状態をまとめて返します
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomId, ok := roomParam(w, r)
	if !ok {
		return
	}
	room, users, found, err := h.svc.Get(r.Context(), roomId)
	if err != nil {
		h.logger.Error().Err(err).Str("room_id", roomId).Msg("get room failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	snap, err := currentPlayback(r.Context(), h.store, roomId)
	if err != nil {
		h.logger.Error().Err(err).Str("room_id", roomId).Msg("read playback failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, roomResponse{Room: room, Users: users, Playback: snap})
}

func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	roomId, ok := roomParam(w, r)
	if !ok {
		return
	}
	var in userRequest
	if !decodeValid(w, r, &in) {
		return
	}
	if err := h.svc.Delete(r.Context(), roomId, normalizeID(in.UserId)); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomId).Str("user_id", in.UserId).Msg("delete room failed")
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Join はメンバーに加え、その時点の再生状態と livePosition を返します
// クライアントは serverTime と自分の時計のずれを使って位置を補正してから再生を始めます
func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	roomId, ok := roomParam(w, r)
	if !ok {
		return
	}
	var in memberRequest
	if !decodeValid(w, r, &in) {
		return
	}
	user := in.user()
	log := h.logger.With().Str("room_id", roomId).Str("user_id", user.UserId).Logger()
	if err := h.svc.Join(r.Context(), roomId, user); err != nil {
		log.Warn().Err(err).Msg("join room failed")
		writeServiceError(w, err)
		return
	}

	snap, err := currentPlayback(r.Context(), h.store, roomId)
	if err != nil {
		// 参加自体は成功しているので、状態は後から取得してもらう
		log.Warn().Err(err).Msg("read playback on join failed")
		snap = playbackResponse{ServerTime: h.store.ServerNow()}
	}
	respondJSON(w, http.StatusOK, joinResponse{Success: true, RoomId: roomId, playbackResponse: snap})
}

// Leave は最後のメンバーが抜けたときにルームごと削除し、roomDeleted で知らせます
func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	roomId, ok := roomParam(w, r)
	if !ok {
		return
	}
	var in userRequest
	if !decodeValid(w, r, &in) {
		return
	}
	gone, err := h.svc.Leave(r.Context(), roomId, normalizeID(in.UserId))
	if err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomId).Str("user_id", in.UserId).Msg("leave room failed")
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "roomDeleted": gone})
}

// Touch はルームと再生状態・キューのTTLを延長します
func (h *RoomHandler) Touch(w http.ResponseWriter, r *http.Request) {
	roomId, ok := roomParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.Touch(r.Context(), roomId); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomId).Msg("touch room failed")
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
