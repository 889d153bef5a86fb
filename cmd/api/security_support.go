package main

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/authsite/internal/audit"
	"github.com/yourusername/authsite/internal/auth"
	"github.com/yourusername/authsite/internal/config"
)

// securityDeps はログイン試行制限と監査ログの実装をまとめたものです。
type securityDeps struct {
	limiter  auth.AttemptLimiter
	recorder audit.Recorder
	closers  []func()
}

// Close は起動したワーカーと接続を逆順に停止します。
func (d *securityDeps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func limiterConfig(cfg *config.Config) auth.LimiterConfig {
	return auth.LimiterConfig{
		MaxAttempts:  cfg.LoginMaxAttempts,
		Window:       time.Duration(cfg.LoginWindowMinutes) * time.Minute,
		LockDuration: time.Duration(cfg.LoginLockMinutes) * time.Minute,
	}
}

// setupSecurity は REDIS_URL があれば Redis ベースの制限と asynq 経由の監査ログを、
// なければメモリ上の制限と記録しない Recorder を用意します。
func setupSecurity(cfg *config.Config, logger *zap.Logger) (*securityDeps, error) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL is not set; using in-memory login limiter and disabling audit log")
		return &securityDeps{
			limiter:  auth.NewMemoryLimiter(limiterConfig(cfg)),
			recorder: audit.NopRecorder{},
		}, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// 起動は続け、制限はリクエスト時にフェイルオープンする
		logger.Warn("redis is not reachable", zap.Error(err))
	}

	retention := time.Duration(cfg.AuditRetentionHours) * time.Hour
	manager, err := audit.NewManager(cfg.RedisURL, audit.NewStore(rdb, retention), logger)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("setup audit: %w", err)
	}
	manager.StartWorkers()

	return &securityDeps{
		limiter:  auth.NewRedisLimiter(rdb, limiterConfig(cfg)),
		recorder: manager,
		closers: []func(){
			func() { _ = rdb.Close() },
			manager.Shutdown,
		},
	}, nil
}
