// Package clock はローカル時計と共有バックエンドのサーバー時計の差を推定します
//
// 推定値は単一サンプルの点推定で、平滑化は行いません。
// 推定が外れても同期の滑らかさが落ちるだけで、何を再生しているかの正しさには影響しません。
package clock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ServerClock はサーバー時刻（Unixミリ秒）を返すインターフェース
type ServerClock interface {
	ServerNow() int64
}

// Estimator は offsetMs = serverNow - localNow の推定値を保持します
// シグナルを受け取るまではオフセット0（ズレなし）として扱います
type Estimator struct {
	offsetMs atomic.Int64
	samples  atomic.Int64
	now      func() time.Time // ローカル時計（テストで差し替え可能）
}

// NewEstimator は新しい Estimator を作成します
func NewEstimator() *Estimator {
	return &Estimator{now: time.Now}
}

// NewEstimatorWithClock はローカル時計を指定して Estimator を作成します
func NewEstimatorWithClock(now func() time.Time) *Estimator {
	return &Estimator{now: now}
}

// ServerNow は localNow + offsetMs を返します
func (e *Estimator) ServerNow() int64 {
	return e.now().UnixMilli() + e.offsetMs.Load()
}

// Offset は現在のオフセットを返します
func (e *Estimator) Offset() time.Duration {
	return time.Duration(e.offsetMs.Load()) * time.Millisecond
}

// Synced はサーバー時刻のシグナルを一度でも受け取ったかを返します
func (e *Estimator) Synced() bool {
	return e.samples.Load() > 0
}

// Observe はプッシュされたサーバー時刻を受け取ってオフセットを更新します
func (e *Estimator) Observe(serverMs int64) {
	e.offsetMs.Store(serverMs - e.now().UnixMilli())
	e.samples.Add(1)
}

// ObserveRoundTrip は往復で得たサーバー時刻からオフセットを更新します
// サーバー時刻は送信と受信の中間時点のものとみなします
func (e *Estimator) ObserveRoundTrip(sentLocal time.Time, serverMs int64, recvLocal time.Time) {
	mid := sentLocal.UnixMilli() + (recvLocal.UnixMilli()-sentLocal.UnixMilli())/2
	e.offsetMs.Store(serverMs - mid)
	e.samples.Add(1)
}

// TimeSource はサーバー時刻を問い合わせられるバックエンドです
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Follow は interval ごとに src からサーバー時刻を取得してオフセットを更新します
// ctx がキャンセルされるまでブロックします。取得に失敗しても直前の推定値を維持します
func (e *Estimator) Follow(ctx context.Context, src TimeSource, interval time.Duration, logger zerolog.Logger) {
	e.sample(ctx, src, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sample(ctx, src, logger)
		}
	}
}

func (e *Estimator) sample(ctx context.Context, src TimeSource, logger zerolog.Logger) {
	sent := e.now()
	serverTime, err := src.ServerTime(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Debug().Err(err).Msg("server time unavailable, keeping previous offset")
		}
		return
	}
	e.ObserveRoundTrip(sent, serverTime.UnixMilli(), e.now())
}
