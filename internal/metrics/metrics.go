// Package metrics はPrometheusのメトリクスを定義します
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations は書き込みに成功した操作の数（kind: change_track/pause/resume/seek）
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listenroom_operations_total",
		Help: "Playback operations written to the shared store.",
	}, []string{"kind"})

	// VersionConflicts は条件付き書き込みで競合した回数
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listenroom_version_conflicts_total",
		Help: "Playback writes rejected because another writer bumped the version first.",
	})

	// WriteFailures は書き込みに失敗した操作の数
	WriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listenroom_write_failures_total",
		Help: "Playback writes that failed and were reported to the issuer.",
	}, []string{"kind"})

	// Heartbeats はハートビートの結果（result: written/lost/error/skipped）
	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listenroom_heartbeats_total",
		Help: "Heartbeat publications by result.",
	}, []string{"result"})

	// Reconciles はリコンサイラの判定結果（outcome: stale/echo/applied/gone）
	Reconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listenroom_reconcile_total",
		Help: "Playback updates observed by reconcilers, by outcome.",
	}, []string{"outcome"})

	// HardSeeks はリコンサイラが行ったハードシークの数
	HardSeeks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listenroom_hard_seeks_total",
		Help: "Seeks issued by reconcilers to correct drift or initial sync.",
	})

	// QueueOps はキュー操作の数（op: add/remove/dequeue）
	QueueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listenroom_queue_ops_total",
		Help: "Room queue operations.",
	}, []string{"op"})

	// WSConnections は接続中のWebSocket数
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listenroom_ws_connections",
		Help: "Open WebSocket connections.",
	})

	// ActiveRooms はハブが購読中のルーム数
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listenroom_hub_rooms",
		Help: "Rooms with at least one WebSocket client on this instance.",
	})
)
