// Package service はビジネスロジックを担当します
// リスニングルームの作成・参加・退出・削除と、ルーム消滅時の後片付けを提供します
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/idgen"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/repo"
	"github.com/rs/zerolog"
)

// RoomService はルーム管理のビジネスロジックを提供します
type RoomService struct {
	repo     repo.RoomRepo       // データ永続化を担当するリポジトリ
	idg      IDGenerator         // ルームID生成器
	ttlSec   int                 // ルームの有効期限（秒）
	teardown []DeletionPublisher // ルーム削除を購読者に伝える先（再生状態・キュー）
	logger   zerolog.Logger
}

// IDGenerator はユニークなIDを生成するインターフェース
type IDGenerator interface {
	New() (string, error) // 新しいIDを生成
}

// DeletionPublisher はルームの削除を購読者に通知します
type DeletionPublisher interface {
	PublishDeleted(ctx context.Context, roomId string) error
}

// roomIDGen はIDGeneratorの実装
type roomIDGen struct{}

// New は新しいルームIDを生成します
func (roomIDGen) New() (string, error) { return idgen.NewRoomID() }

// NewRoomIDGenerator は新しいRoomIDGeneratorを作成します
func NewRoomIDGenerator() IDGenerator {
	return roomIDGen{}
}

// NewRoomService は新しいRoomServiceを作成します
func NewRoomService(r repo.RoomRepo, idg IDGenerator, ttlSec int, logger zerolog.Logger, teardown ...DeletionPublisher) *RoomService {
	return &RoomService{repo: r, idg: idg, ttlSec: ttlSec, teardown: teardown, logger: logger}
}

// Create は新しいルームを作成します
// 処理の流れ:
// 1. ユニークなルームIDを生成（重複チェック付き、最大10回リトライ）
// 2. ルームをRedisに保存
// 3. オーナーをルームに追加
// 戻り値: 生成されたルームID、エラー
func (s *RoomService) Create(ctx context.Context, owner models.User) (string, error) {
	const maxRetries = 10 // ID生成の最大リトライ回数

	for i := 0; i < maxRetries; i++ {
		roomId, err := s.idg.New()
		if err != nil {
			return "", err
		}

		room := models.Room{RoomId: roomId, OwnerId: owner.UserId, CreatedAt: time.Now().Unix()}
		err = s.repo.CreateRoom(ctx, room, s.ttlSec)
		if errors.Is(err, repo.ErrRoomExists) {
			// ID被り、次の試行へ
			continue
		}
		if err != nil {
			return "", err
		}

		// 作成時にowner入室とする
		if err := s.repo.AddUser(ctx, roomId, owner, s.ttlSec); err != nil {
			// オーナー追加に失敗した場合は部屋を削除してロールバック
			_ = s.repo.DeleteRoom(ctx, roomId)
			return "", err
		}
		s.logger.Info().Str("room_id", roomId).Str("owner_id", owner.UserId).Msg("room created")
		return roomId, nil
	}
	return "", ErrRoomIDGenerationFailed
}

// Get は指定されたルームの情報と参加者一覧を取得します
// 戻り値: ルーム情報、参加者リスト、存在フラグ、エラー
func (s *RoomService) Get(ctx context.Context, roomId string) (models.Room, []models.User, bool, error) {
	r, ok, err := s.repo.GetRoom(ctx, roomId)
	if err != nil || !ok {
		return models.Room{}, nil, false, err
	}
	users, err := s.repo.ListUser(ctx, roomId)
	return r, users, ok, err
}

// Exists はルームが存在するかを返します
func (s *RoomService) Exists(ctx context.Context, roomId string) (bool, error) {
	return s.repo.ExistsRoom(ctx, roomId)
}

// IsMember はユーザーがルームの参加者かを返します
func (s *RoomService) IsMember(ctx context.Context, roomId, userId string) (bool, error) {
	users, err := s.repo.ListUser(ctx, roomId)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u.UserId == userId {
			return true, nil
		}
	}
	return false, nil
}

// RequireMember はルームが存在し、ユーザーが参加者であることを確認します
func (s *RoomService) RequireMember(ctx context.Context, roomId, userId string) error {
	exists, err := s.repo.ExistsRoom(ctx, roomId)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}
	member, err := s.IsMember(ctx, roomId, userId)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return nil
}

// Delete はルームを削除します（オーナーのみ実行可能）
// 処理の流れ:
// 1. ルームの存在確認
// 2. リクエストユーザーがオーナーかを確認
// 3. ルームと再生状態・キューを削除し、購読者に通知
func (s *RoomService) Delete(ctx context.Context, roomId, userId string) error {
	// 部屋情報を取得してオーナー確認
	room, exists, err := s.repo.GetRoom(ctx, roomId)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}
	if room.OwnerId != userId {
		return ErrNotRoomOwner
	}
	return s.tearDown(ctx, roomId)
}

// Join はユーザーをルームに参加させます
// ルームの存在確認を行った後、ユーザーを追加します
func (s *RoomService) Join(ctx context.Context, roomId string, user models.User) error {
	// 部屋の存在確認
	exists, err := s.repo.ExistsRoom(ctx, roomId)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}
	return s.repo.AddUser(ctx, roomId, user, s.ttlSec)
}

// Leave はユーザーをルームから退出させます
// 最後の参加者が抜けた場合はルームを消滅させます。戻り値はルームが消滅したかどうか
func (s *RoomService) Leave(ctx context.Context, roomId, userId string) (bool, error) {
	remaining, err := s.repo.RemoveUser(ctx, roomId, userId)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}
	if err := s.tearDown(ctx, roomId); err != nil {
		return false, err
	}
	return true, nil
}

// Touch はルームのTTL（有効期限）を更新します
// ルーム・ユーザー情報・再生状態・キューの有効期限を延長します
func (s *RoomService) Touch(ctx context.Context, roomId string) error {
	exists, err := s.repo.ExistsRoom(ctx, roomId)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}
	return s.repo.TouchRoom(ctx, roomId, s.ttlSec)
}

// tearDown はルームの全データを削除し、購読者に削除を通知します
func (s *RoomService) tearDown(ctx context.Context, roomId string) error {
	if err := s.repo.DeleteRoom(ctx, roomId); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	for _, p := range s.teardown {
		if err := p.PublishDeleted(ctx, roomId); err != nil {
			// データは消えているので通知の失敗はログだけ残す
			s.logger.Warn().Err(err).Str("room_id", roomId).Msg("failed to publish room deletion")
		}
	}
	s.logger.Info().Str("room_id", roomId).Msg("room torn down")
	return nil
}
