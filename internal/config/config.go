// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// DevSessionSecret はローカル開発用のセッション署名鍵です。release モードでは使用できません。
const DevSessionSecret = "authsite-dev-session-secret-change-me"

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// セッション設定
	SessionSecret string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 永続化設定
	DatabasePath string // ユーザー情報を保存する SQLite ファイル
	RedisURL     string // ログイン試行回数と監査ログ用の Redis 接続URL（空なら無効）

	// ログ設定
	LogLevel string // debug, info, warn, error

	// 保護ページ設定
	ProtectedPrefix string // 未ログインでのアクセスを記録するパスのプレフィックス

	// ログイン試行制限
	LoginMaxAttempts   int // ロックまでの失敗回数
	LoginWindowMinutes int // 失敗回数を数える期間（分）
	LoginLockMinutes   int // ロック時間（分）

	// 監査ログ
	AuditRetentionHours int // 監査イベントの保持期間（時間）

	// POST リクエストのスロットリング
	PostRatePerSecond float64 // IP ごとの1秒あたりの許容リクエスト数
	PostBurst         int     // バースト許容量
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		SessionSecret: getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 永続化設定
		DatabasePath: getEnv("DATABASE_PATH", "authsite.db"),
		RedisURL:     getEnv("REDIS_URL", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		ProtectedPrefix: getEnv("PROTECTED_PREFIX", "/home/"),

		// ログイン試行制限（5回/15分/IP、ロック10分）
		LoginMaxAttempts:   getEnvAsInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginWindowMinutes: getEnvAsInt("LOGIN_WINDOW_MINUTES", 15),
		LoginLockMinutes:   getEnvAsInt("LOGIN_LOCK_MINUTES", 10),

		AuditRetentionHours: getEnvAsInt("AUDIT_RETENTION_HOURS", 24*7),

		PostRatePerSecond: getEnvAsFloat("POST_RATE_PER_SECOND", 2),
		PostBurst:         getEnvAsInt("POST_BURST", 10),
	}

	// release 以外では開発用の署名鍵で起動できるようにする
	if config.SessionSecret == "" && config.GinMode != "release" {
		config.SessionSecret = DevSessionSecret
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.LoginMaxAttempts <= 0 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS must be positive")
	}
	if c.LoginWindowMinutes <= 0 || c.LoginLockMinutes <= 0 {
		return fmt.Errorf("LOGIN_WINDOW_MINUTES and LOGIN_LOCK_MINUTES must be positive")
	}

	// 本番環境では秘密情報と保存先を必須にする
	if c.GinMode == "release" {
		if c.SessionSecret == "" || c.SessionSecret == DevSessionSecret {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if len(c.SessionSecret) < 32 {
			return fmt.Errorf("SESSION_SECRET must be at least 32 bytes in release mode")
		}
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required in release mode")
		}
	}

	return nil
}

// IsRelease は release モードで動作しているかを返します。
func (c *Config) IsRelease() bool {
	return c.GinMode == "release"
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
