package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLimiterUnavailable は試行回数の保存先に到達できない場合のエラーです。
var ErrLimiterUnavailable = errors.New("login limiter unavailable")

// LimiterConfig はログイン試行制限の設定です。
type LimiterConfig struct {
	MaxAttempts  int
	Window       time.Duration
	LockDuration time.Duration
}

// DefaultLimiterConfig は 5回/15分/IP、ロック10分 の設定を返します。
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxAttempts:  5,
		Window:       15 * time.Minute,
		LockDuration: 10 * time.Minute,
	}
}

// AttemptLimiter はログイン失敗回数を数え、上限に達したキーをロックします。
type AttemptLimiter interface {
	// Check はロック中であれば残り時間を返します。
	Check(ctx context.Context, key string) (time.Duration, error)
	// RecordFailure は失敗を記録し、ロックまでの残り回数を返します。
	RecordFailure(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// MemoryLimiter はプロセス内で試行回数を保持します（Redis 未設定時）。
type MemoryLimiter struct {
	cfg      LimiterConfig
	now      func() time.Time
	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewMemoryLimiter は MemoryLimiter を作成します。
func NewMemoryLimiter(cfg LimiterConfig) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:      cfg,
		now:      time.Now,
		attempts: make(map[string]*attemptState),
	}
}

// Check implements AttemptLimiter.
func (l *MemoryLimiter) Check(ctx context.Context, key string) (time.Duration, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	state, ok := l.attempts[key]
	if !ok {
		return 0, nil
	}
	now := l.now()
	if !now.Before(state.lockedUntil) {
		return 0, nil
	}
	return state.lockedUntil.Sub(now), nil
}

// RecordFailure implements AttemptLimiter.
func (l *MemoryLimiter) RecordFailure(ctx context.Context, key string) (int, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := l.now()
	state, ok := l.attempts[key]
	if !ok || (now.Sub(state.firstAttempt) > l.cfg.Window && !now.Before(state.lockedUntil)) {
		state = &attemptState{firstAttempt: now}
		l.attempts[key] = state
	}

	state.count++
	if state.count >= l.cfg.MaxAttempts {
		// ロック解除後は失敗回数を数え直す
		l.attempts[key] = &attemptState{lockedUntil: now.Add(l.cfg.LockDuration)}
		return 0, nil
	}
	return l.cfg.MaxAttempts - state.count, nil
}

// Reset implements AttemptLimiter.
func (l *MemoryLimiter) Reset(ctx context.Context, key string) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.attempts, key)
	return nil
}

// RedisLimiter は Redis の INCR/EXPIRE で試行回数を共有します。
type RedisLimiter struct {
	rdb redis.UniversalClient
	cfg LimiterConfig
}

// NewRedisLimiter は RedisLimiter を作成します。
func NewRedisLimiter(rdb redis.UniversalClient, cfg LimiterConfig) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg}
}

// Check implements AttemptLimiter.
func (l *RedisLimiter) Check(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.rdb.PTTL(ctx, lockKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	// キーが存在しない場合は負の値が返る
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// RecordFailure implements AttemptLimiter.
func (l *RedisLimiter) RecordFailure(ctx context.Context, key string) (int, error) {
	counter := failureKey(key)
	// 期限は最初の失敗でのみ設定される（NX）
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, counter)
	pipe.ExpireNX(ctx, counter, l.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	count := incr.Val()

	if count >= int64(l.cfg.MaxAttempts) {
		pipe = l.rdb.TxPipeline()
		pipe.Set(ctx, lockKey(key), 1, l.cfg.LockDuration)
		pipe.Del(ctx, counter)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
		return 0, nil
	}
	return l.cfg.MaxAttempts - int(count), nil
}

// Reset implements AttemptLimiter.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, failureKey(key), lockKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return nil
}

func failureKey(key string) string {
	return "login:fail:" + key
}

func lockKey(key string) string {
	return "login:lock:" + key
}
