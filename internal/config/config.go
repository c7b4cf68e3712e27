// Package config はアプリケーションの設定を管理します
// YAMLファイル（任意）と環境変数から設定を読み込み、デフォルト値を提供します
// 優先順位: 環境変数 > YAMLファイル > デフォルト値
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	defaultAPIAddr            = ":8080"                // APIサーバーのデフォルトリッスンアドレス
	defaultRedisAddr          = "localhost:6379"       // Redisのデフォルト接続先
	defaultRoomTTLSec         = 60 * 60                // ルームのデフォルトTTL（1時間）
	defaultHeartbeatInterval  = 5 * time.Second        // ハートビート間隔
	defaultSeekCoalesceWindow = 300 * time.Millisecond // シークをまとめる時間窓
	defaultDriftToleranceSec  = 2.0                    // ハードシークを行うズレの閾値（秒）
	defaultServerTimeInterval = 10 * time.Second       // サーバー時刻を配信する間隔
	defaultWriteRetries       = 3                      // バージョン競合時のリトライ回数
	defaultLogLevel           = "info"
)

// 再生状態の書き込みモード
const (
	WriteModeCAS = "cas" // バージョンが一致した場合のみ書き込む
	WriteModeLWW = "lww" // 後勝ち（競合は検出しない）
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://localhost:3002",
}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr            string        `yaml:"api_addr"`             // APIサーバーのリッスンアドレス
	RedisAddr          string        `yaml:"redis_addr"`           // Redisの接続先
	RedisPassword      string        `yaml:"redis_password"`       // Redisのパスワード
	RedisDB            int           `yaml:"redis_db"`             // RedisのDB番号
	RoomTTL            int           `yaml:"room_ttl_sec"`         // ルームのTTL（秒）
	AllowedOrigin      []string      `yaml:"cors_allowed_origins"` // CORSで許可するオリジン一覧
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`   // ハートビート間隔
	SeekCoalesceWindow time.Duration `yaml:"seek_coalesce_window"` // シークのまとめ窓
	DriftTolerance     float64       `yaml:"drift_tolerance_sec"`  // ズレ許容値（秒）
	ServerTimeInterval time.Duration `yaml:"server_time_interval"` // サーバー時刻の配信間隔
	WriteMode          string        `yaml:"playback_write_mode"`  // "cas" または "lww"
	WriteRetries       int           `yaml:"write_retries"`        // 競合時のリトライ回数
	LogLevel           string        `yaml:"log_level"`            // ログレベル
	LogPretty          bool          `yaml:"log_pretty"`           // コンソール向けの整形出力
}

// Default はデフォルト値だけで構成された設定を返します
func Default() Config {
	return Config{
		APIAddr:            defaultAPIAddr,
		RedisAddr:          defaultRedisAddr,
		RoomTTL:            defaultRoomTTLSec,
		AllowedOrigin:      defaultAllowedOrigins,
		HeartbeatInterval:  defaultHeartbeatInterval,
		SeekCoalesceWindow: defaultSeekCoalesceWindow,
		DriftTolerance:     defaultDriftToleranceSec,
		ServerTimeInterval: defaultServerTimeInterval,
		WriteMode:          WriteModeCAS,
		WriteRetries:       defaultWriteRetries,
		LogLevel:           defaultLogLevel,
	}
}

// Load は CONFIG_FILE（任意）と環境変数から設定を読み込みます
// ファイルの読み込みに失敗した場合はログを出してデフォルト値から続行します
func Load() Config {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to load config file, using defaults")
		} else {
			cfg = fileCfg
		}
	}
	return applyEnv(cfg)
}

// LoadFile はYAMLファイルを読み込み、未指定の項目をデフォルト値で埋めます
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を確認します
func (c Config) Validate() error {
	if c.WriteMode != WriteModeCAS && c.WriteMode != WriteModeLWW {
		return fmt.Errorf("invalid playback_write_mode %q", c.WriteMode)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.DriftTolerance <= 0 {
		return fmt.Errorf("drift_tolerance_sec must be positive")
	}
	if c.ServerTimeInterval <= 0 {
		return fmt.Errorf("server_time_interval must be positive")
	}
	// 0 は既定の窓を使う
	if c.SeekCoalesceWindow < 0 {
		return fmt.Errorf("seek_coalesce_window must not be negative")
	}
	return nil
}

func applyEnv(c Config) Config {
	c.APIAddr = envOr("API_ADDR", c.APIAddr)
	c.RedisAddr = envOr("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envOr("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envInt("REDIS_DB", c.RedisDB)
	c.RoomTTL = envInt("ROOM_TTL_SEC", c.RoomTTL)
	c.AllowedOrigin = envCSV("CORS_ALLOWED_ORIGINS", c.AllowedOrigin)
	c.HeartbeatInterval = envDuration("HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.SeekCoalesceWindow = envDuration("SEEK_COALESCE_WINDOW", c.SeekCoalesceWindow)
	c.DriftTolerance = envFloat("DRIFT_TOLERANCE_SEC", c.DriftTolerance)
	c.ServerTimeInterval = envDuration("SERVER_TIME_INTERVAL", c.ServerTimeInterval)
	c.WriteRetries = envInt("WRITE_RETRIES", c.WriteRetries)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogPretty = envBool("LOG_PRETTY", c.LogPretty)
	if mode := strings.ToLower(envOr("PLAYBACK_WRITE_MODE", c.WriteMode)); mode == WriteModeCAS || mode == WriteModeLWW {
		c.WriteMode = mode
	} else {
		log.Warn().Str("value", mode).Msg("invalid PLAYBACK_WRITE_MODE, keeping " + c.WriteMode)
	}
	return c
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt は環境変数から整数を取得します
// 環境変数が設定されていない、または無効な値の場合はデフォルト値を返します
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("invalid int, fallback to default")
			return def
		}
		return i
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Float64("default", def).Msg("invalid float, fallback to default")
			return def
		}
		return f
	}
	return def
}

// envDuration は "300ms" や "5s" 形式の環境変数を読み込みます
func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Warn().Str("key", key).Str("value", v).Dur("default", def).Msg("invalid duration, fallback to default")
			return def
		}
		return d
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	}
	return def
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
// 環境変数が設定されていない、または空の場合はデフォルト値を返します
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
