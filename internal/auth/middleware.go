package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/authsite/internal/users"
)

// LoadUser はセッションからユーザーを復元し、コンテキストに設定するミドルウェアです。
// セッションが期限切れ・無操作タイムアウト・ユーザー無効の場合は破棄して匿名扱いにします。
func (m *Manager) LoadUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		userID, ok := session.Get(sessionKeyUser).(string)
		if !ok || userID == "" {
			c.Next()
			return
		}

		now := m.now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		if issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime {
			m.logger.Debug("session expired", zap.String("user_id", userID))
			m.dropSession(session)
			c.Next()
			return
		}
		if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
			m.logger.Debug("session idle timeout", zap.String("user_id", userID))
			m.dropSession(session)
			c.Next()
			return
		}

		user, err := m.users.GetByID(c.Request.Context(), userID)
		if errors.Is(err, users.ErrNotFound) || (err == nil && !user.IsActive) {
			m.dropSession(session)
			c.Next()
			return
		}
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		_ = session.Save()
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// RequireLogin は未ログインのユーザーを loginPath?next=<元のURL> へリダイレクトします。
func (m *Manager) RequireLogin(loginPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAuthenticated(c) {
			c.Next()
			return
		}
		target := loginPath + "?next=" + url.QueryEscape(c.Request.URL.RequestURI())
		c.Redirect(http.StatusFound, target)
		c.Abort()
	}
}

// VerifyCSRF は状態変更系リクエストの CSRF トークンを検証するミドルウェアです。
// トークンはフォームの csrf_token フィールドか X-CSRF-Token ヘッダーで受け付けます。
// 不一致の場合は本文を書かずに 403 を設定し、エラーページの描画は後段に任せます。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		received := c.GetHeader(CSRFHeader)
		if received == "" {
			received = c.PostForm(CSRFFormField)
		}

		if !ok || expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			m.logger.Warn("csrf verification failed",
				zap.String("path", c.Request.URL.Path),
				zap.String("remote_addr", c.ClientIP()),
			)
			c.Abort()
			c.Status(http.StatusForbidden)
			return
		}

		c.Next()
	}
}

func (m *Manager) dropSession(session sessions.Session) {
	session.Clear()
	_ = session.Save()
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
