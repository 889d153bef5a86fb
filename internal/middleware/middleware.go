// Package middleware はリクエスト/レスポンスの前後処理（アクセスログ、保護ページの監視、
// エラーページ、POST のスロットリング）を提供します。
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/authsite/internal/audit"
	"github.com/yourusername/authsite/internal/auth"
)

// ErrorRenderer はステータスコードに対応するエラーページを描画します。
type ErrorRenderer func(c *gin.Context, status int)

// AccessLog は1リクエストごとに zap でアクセスログを出力します。
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()),
		}
		if user, ok := auth.CurrentUser(c); ok {
			fields = append(fields, zap.String("user", user.String()))
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// ProtectedPageAccessLogger は prefix 配下への未ログインアクセスを警告ログと監査イベントに残し、
// ログインページへリダイレクトします。auth.Manager.LoadUser の後に登録してください。
func ProtectedPageAccessLogger(prefix, loginPath string, logger *zap.Logger, recorder audit.Recorder) gin.HandlerFunc {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return func(c *gin.Context) {
		if auth.IsAuthenticated(c) || !strings.HasPrefix(c.Request.URL.Path, prefix) {
			c.Next()
			return
		}

		now := time.Now()
		logger.Warn("unauthorized access",
			zap.Time("at", now),
			zap.String("remote_addr", c.ClientIP()),
			zap.String("path", c.Request.URL.Path),
		)
		recorder.Record(c.Request.Context(), audit.Event{
			Type:       audit.EventUnauthorizedAccess,
			IP:         c.ClientIP(),
			Path:       c.Request.URL.Path,
			UserAgent:  c.Request.UserAgent(),
			OccurredAt: now.UTC(),
		})

		c.Redirect(http.StatusFound, loginPath)
		c.Abort()
	}
}

// ErrorHandling は panic とハンドラーエラーを捕捉して 500 ページを描画します。
// 本文が未送信のまま 4xx/5xx が設定された場合（404 など）も対応するページを描画します。
func ErrorHandling(render ErrorRenderer, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if r == http.ErrAbortHandler {
					panic(r)
				}
				logger.Error(fmt.Sprintf("Error: %v", r),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"),
				)
				c.Abort()
				if !c.Writer.Written() {
					render(c, http.StatusInternalServerError)
				}
			}
		}()

		c.Next()

		if c.Writer.Written() {
			return
		}
		if len(c.Errors) > 0 {
			logger.Error(fmt.Sprintf("Error: %v", c.Errors.Last().Err),
				zap.String("path", c.Request.URL.Path),
			)
			status := c.Writer.Status()
			if status < http.StatusBadRequest {
				status = http.StatusInternalServerError
			}
			render(c, status)
			return
		}
		if status := c.Writer.Status(); status >= http.StatusBadRequest {
			render(c, status)
		}
	}
}

// NotFound はルーティングに一致しないリクエスト用のハンドラーです。
func NotFound(render ErrorRenderer) gin.HandlerFunc {
	return func(c *gin.Context) {
		render(c, http.StatusNotFound)
	}
}
