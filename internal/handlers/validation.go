package handlers

import (
	"fmt"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
)

// validateUserId はユーザーIDのバリデーションを行います
// ユーザーIDが空の場合はエラーを返します
func validateUserId(userId string) error {
	if normalizeID(userId) == "" {
		return fmt.Errorf("userId required")
	}
	return nil
}

// validateRoomId はルームIDのバリデーションを行います
// ルームIDが空の場合はエラーを返します
func validateRoomId(roomId string) error {
	if normalizeID(roomId) == "" {
		return fmt.Errorf("roomId required")
	}
	return nil
}

// validateTrack はトラックIDが指定されているかを確認します
func validateTrack(t models.Track) error {
	if normalizeID(t.TrackId) == "" {
		return fmt.Errorf("track.trackId required")
	}
	if t.Meta.Duration < 0 {
		return fmt.Errorf("track.meta.duration must not be negative")
	}
	return nil
}

func validateVolume(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("volume must be between 0 and 1")
	}
	return nil
}
