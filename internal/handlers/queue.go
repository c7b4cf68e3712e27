package handlers

import (
	"net/http"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/playback"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/queue"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// QueueHandler はルームのキュー操作を提供します
type QueueHandler struct {
	svc    *service.RoomService
	queue  *queue.Queue
	store  *playback.Store
	logger zerolog.Logger
}

func NewQueueHandler(s *service.RoomService, q *queue.Queue, store *playback.Store, logger zerolog.Logger) *QueueHandler {
	return &QueueHandler{svc: s, queue: q, store: store, logger: logger}
}

type enqueueRequest struct {
	UserId string       `json:"userId"`
	Track  models.Track `json:"track"`
}

func (r enqueueRequest) validate() error {
	if err := validateUserId(r.UserId); err != nil {
		return err
	}
	return validateTrack(r.Track)
}

type playNextRequest struct {
	UserId string  `json:"userId"`
	OpId   string  `json:"opId"`
	Volume float64 `json:"volume"`
}

func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := h.queue.List(r.Context(), roomId)
	if err != nil {
		h.logger.Error().Err(err).Str("room_id", roomId).Msg("list queue failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *QueueHandler) Add(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in enqueueRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	userId := normalizeID(in.UserId)
	if err := h.svc.RequireMember(r.Context(), roomId, userId); err != nil {
		writeServiceError(w, err)
		return
	}

	itemId, err := h.queue.Add(r.Context(), roomId, userId, in.Track)
	if err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomId).Msg("enqueue failed")
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "itemId": itemId})
}

// Remove は指定したアイテムを削除します。既に無いアイテムでも成功を返します
func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	itemId := normalizeID(chi.URLParam(r, "itemId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if itemId == "" {
		respondError(w, http.StatusBadRequest, "itemId required")
		return
	}
	if err := h.queue.Remove(r.Context(), roomId, itemId); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomId).Str("item_id", itemId).Msg("remove queue item failed")
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// PlayNext はキューの先頭を取り出して再生します
func (h *QueueHandler) PlayNext(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in playNextRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := validateUserId(in.UserId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	userId := normalizeID(in.UserId)
	if err := h.svc.RequireMember(r.Context(), roomId, userId); err != nil {
		writeServiceError(w, err)
		return
	}

	item, err := h.queue.DequeueFirst(r.Context(), roomId)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	volume := in.Volume
	if volume <= 0 || volume > 1 {
		volume = 1
	}
	st, err := h.store.Execute(r.Context(), roomId, playback.Command{
		Kind:   playback.CmdChangeTrack,
		OpId:   normalizeID(in.OpId),
		Issuer: userId,
		Track:  item.Track,
		Volume: volume,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomId).Str("item_id", item.ItemId).Msg("play next failed")
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"opId": st.OpId, "version": st.Version, "item": item})
}
