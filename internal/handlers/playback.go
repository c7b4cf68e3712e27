package handlers

import (
	"context"
	"net/http"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/playback"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// PlaybackHandler はルームの共有再生状態に対する操作を提供します
// クライアントはレスポンスの opId を自分の操作として記録し、エコーを判定します
type PlaybackHandler struct {
	svc    *service.RoomService
	store  *playback.Store
	logger zerolog.Logger
}

func NewPlaybackHandler(s *service.RoomService, store *playback.Store, logger zerolog.Logger) *PlaybackHandler {
	return &PlaybackHandler{svc: s, store: store, logger: logger}
}

type playbackResponse struct {
	State        *models.PlaybackState `json:"state"`        // 現在の状態（未再生ならnull）
	LivePosition float64               `json:"livePosition"` // serverTime 時点の再生位置
	ServerTime   int64                 `json:"serverTime"`   // サーバー時刻（Unixミリ秒）
}

type operationResponse struct {
	OpId    string `json:"opId"`
	Version int64  `json:"version"`
}

type changeTrackRequest struct {
	UserId string       `json:"userId"`
	OpId   string       `json:"opId"`
	Track  models.Track `json:"track"`
	Volume *float64     `json:"volume"`
}

func (r changeTrackRequest) validate() error {
	if err := validateUserId(r.UserId); err != nil {
		return err
	}
	if r.Volume != nil {
		if err := validateVolume(*r.Volume); err != nil {
			return err
		}
	}
	return validateTrack(r.Track)
}

type transportRequest struct {
	UserId    string  `json:"userId"`
	OpId      string  `json:"opId"`
	Position  float64 `json:"position"`
	IsPlaying bool    `json:"isPlaying"` // seek のみ
}

func (r transportRequest) validate() error {
	return validateUserId(r.UserId)
}

// Get は現在の再生状態と、サーバー時刻での再生位置を返します
func (h *PlaybackHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	exists, err := h.svc.Exists(r.Context(), roomId)
	if err != nil {
		h.logger.Error().Err(err).Str("room_id", roomId).Msg("room lookup failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !exists {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}

	resp, err := currentPlayback(r.Context(), h.store, roomId)
	if err != nil {
		h.logger.Error().Err(err).Str("room_id", roomId).Msg("read playback failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// currentPlayback は共有状態を読み、サーバー時刻での再生位置を添えて返します
func currentPlayback(ctx context.Context, store *playback.Store, roomId string) (playbackResponse, error) {
	st, ok, err := store.Current(ctx, roomId)
	if err != nil {
		return playbackResponse{}, err
	}
	now := store.ServerNow()
	resp := playbackResponse{ServerTime: now}
	if ok {
		resp.State = &st
		resp.LivePosition = playback.LivePosition(st, now)
	}
	return resp, nil
}

func (h *PlaybackHandler) ChangeTrack(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	var in changeTrackRequest
	if !h.decode(w, r, roomId, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	volume := 1.0
	if in.Volume != nil {
		volume = *in.Volume
	}
	h.execute(r.Context(), w, roomId, in.UserId, playback.Command{
		Kind:   playback.CmdChangeTrack,
		OpId:   normalizeID(in.OpId),
		Track:  in.Track,
		Volume: volume,
	})
}

func (h *PlaybackHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transport(w, r, playback.CmdPause)
}

func (h *PlaybackHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transport(w, r, playback.CmdResume)
}

func (h *PlaybackHandler) Seek(w http.ResponseWriter, r *http.Request) {
	h.transport(w, r, playback.CmdSeek)
}

func (h *PlaybackHandler) transport(w http.ResponseWriter, r *http.Request, kind playback.CommandKind) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	var in transportRequest
	if !h.decode(w, r, roomId, &in) {
		return
	}
	if err := in.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.execute(r.Context(), w, roomId, in.UserId, playback.Command{
		Kind:     kind,
		OpId:     normalizeID(in.OpId),
		Position: in.Position,
		Playing:  in.IsPlaying,
	})
}

func (h *PlaybackHandler) decode(w http.ResponseWriter, r *http.Request, roomId string, dst any) bool {
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return decodeJSON(w, r, dst)
}

func (h *PlaybackHandler) execute(ctx context.Context, w http.ResponseWriter, roomId, userId string, cmd playback.Command) {
	userId = normalizeID(userId)
	if err := h.svc.RequireMember(ctx, roomId, userId); err != nil {
		writeServiceError(w, err)
		return
	}
	cmd.Issuer = userId

	st, err := h.store.Execute(ctx, roomId, cmd)
	if err != nil {
		h.logger.Warn().Err(err).
			Str("room_id", roomId).
			Str("user_id", userId).
			Str("kind", string(cmd.Kind)).
			Msg("playback operation failed")
		writeServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, operationResponse{OpId: st.OpId, Version: st.Version})
}
