// Package playback はリスニングルームの同期再生プロトコルを実装します
//
// 共有ストア上の再生状態（1ルーム1レコード）に対して、各クライアントが
// 操作（曲変更・一時停止・再開・シーク）を書き込み、購読している全クライアントの
// リコンサイラがそれを自分のメディア要素に反映します。
// 配送順序は保証されないため、バージョンによる古い更新の破棄と
// opId による自分のエコーの判定で正しさを保ちます。
package playback

import (
	"math"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
)

// LivePosition はサーバー時刻 serverNowMs における再生位置（秒）を返します
//
//	再生中:   position + (T - playStartServerTime)
//	一時停止: position
//
// 時計のズレで T が再生開始より前になった場合は経過0として扱います。
// 曲の長さが分かっている場合はその長さで頭打ちにします。
func LivePosition(st models.PlaybackState, serverNowMs int64) float64 {
	pos := st.Position
	if st.IsPlaying && st.PlayStartServerTime != nil {
		elapsed := float64(serverNowMs-*st.PlayStartServerTime) / 1000.0
		if elapsed > 0 {
			pos += elapsed
		}
	}
	if d := st.TrackMeta.Duration; d > 0 && pos > d {
		pos = d
	}
	return pos
}

func validPosition(p float64) bool {
	return p >= 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}
