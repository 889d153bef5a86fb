// Package auth は認証・認可機能を提供します。
//
// パスワード照合（authenticate）、セッションへのログイン・ログアウト、
// セッションからのユーザー復元、ログイン必須と CSRF 検証のミドルウェアをまとめています。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/authsite/internal/users"
)

const (
	SessionCookieName    = "authsite_session"
	sessionKeyUser       = "auth_user_id"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	// CSRFHeader はフォーム以外から送る場合の CSRF トークンヘッダーです。
	CSRFHeader = "X-CSRF-Token"
	// CSRFFormField はフォームに埋め込む CSRF トークンのフィールド名です。
	CSRFFormField = "csrf_token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間でログイン済みユーザーを共有するためのキーです。
const ContextUserKey = "auth.user"

// ErrInvalidCredentials はユーザー名またはパスワードが正しくない場合のエラーです。
// ユーザーの有無や無効化状態は区別しません。
var ErrInvalidCredentials = errors.New("invalid credentials")

// LockedError はログイン試行回数の上限に達している場合のエラーです。
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many login attempts, retry after %s", e.RetryAfter)
}

// RetryAfterSeconds は Retry-After ヘッダー用の秒数（切り上げ）を返します。
func (e *LockedError) RetryAfterSeconds() string {
	secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// UserStore は認証に必要なユーザー参照操作です。
type UserStore interface {
	GetByID(ctx context.Context, id string) (*users.User, error)
	GetByUsername(ctx context.Context, username string) (*users.User, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	users   UserStore
	limiter AttemptLimiter
	logger  *zap.Logger
	now     func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// NewManager は認証マネージャーを作成します。limiter が nil の場合は既定設定のメモリ実装を使います。
func NewManager(store UserStore, limiter AttemptLimiter, logger *zap.Logger) *Manager {
	if limiter == nil {
		limiter = NewMemoryLimiter(DefaultLimiterConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		users:   store,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// Authenticate はユーザー名とパスワードを照合し、有効なユーザーを返します。
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*users.User, error) {
	user, err := m.users.GetByUsername(ctx, username)
	if errors.Is(err, users.ErrNotFound) {
		// 存在しないユーザーでも同程度の時間をかける
		m.compareDummy(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !user.CheckPassword(password) || !user.IsActive {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// AttemptLogin はクライアント単位の試行制限を適用したうえで Authenticate を行います。
// 失敗時は ErrInvalidCredentials とロックまでの残り回数、ロック中は *LockedError を返します。
func (m *Manager) AttemptLogin(ctx context.Context, clientKey, username, password string) (*users.User, int, error) {
	retryAfter, err := m.limiter.Check(ctx, clientKey)
	if err != nil {
		m.logger.Warn("login limiter check failed", zap.String("client", clientKey), zap.Error(err))
	}
	if retryAfter > 0 {
		return nil, 0, &LockedError{RetryAfter: retryAfter}
	}

	user, err := m.Authenticate(ctx, username, password)
	if errors.Is(err, ErrInvalidCredentials) {
		remaining, limErr := m.limiter.RecordFailure(ctx, clientKey)
		if limErr != nil {
			m.logger.Warn("login limiter record failed", zap.String("client", clientKey), zap.Error(limErr))
		}
		return nil, remaining, err
	}
	if err != nil {
		return nil, 0, err
	}

	if err := m.limiter.Reset(ctx, clientKey); err != nil {
		m.logger.Warn("login limiter reset failed", zap.String("client", clientKey), zap.Error(err))
	}
	return user, 0, nil
}

// Login はセッションを作り直してユーザーをログイン状態にします。
func (m *Manager) Login(c *gin.Context, user *users.User) error {
	if user == nil {
		return errors.New("user is nil")
	}

	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("generate csrf token: %w", err)
	}

	session := sessions.Default(c)
	now := m.now()
	session.Clear()
	session.Set(sessionKeyUser, user.ID)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	if err := m.users.TouchLastLogin(c.Request.Context(), user.ID, now); err != nil {
		m.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLogin = now.UTC()
	}

	c.Set(ContextUserKey, user)
	return nil
}

// Logout はセッションを破棄します。
func (m *Manager) Logout(c *gin.Context) error {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	c.Set(ContextUserKey, (*users.User)(nil))
	return nil
}

// CurrentUser はリクエストに紐づくログイン済みユーザーを返します。
func CurrentUser(c *gin.Context) (*users.User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*users.User)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}

// IsAuthenticated はログイン済みかを返します。
func IsAuthenticated(c *gin.Context) bool {
	_, ok := CurrentUser(c)
	return ok
}

// EnsureCSRFToken はセッションの CSRF トークンを返します。未発行なら発行して保存します。
func EnsureCSRFToken(c *gin.Context) (string, error) {
	session := sessions.Default(c)
	if token, ok := session.Get(sessionKeyCSRF).(string); ok && token != "" {
		return token, nil
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		return "", err
	}
	return token, nil
}

func (m *Manager) compareDummy(password string) {
	m.dummyOnce.Do(func() {
		m.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("authsite-dummy-password"), users.PasswordCost)
	})
	if m.dummyHash != nil {
		_ = bcrypt.CompareHashAndPassword(m.dummyHash, []byte(password))
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
