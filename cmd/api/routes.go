package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/authsite/internal/auth"
	"github.com/yourusername/authsite/internal/config"
	"github.com/yourusername/authsite/internal/middleware"
	"github.com/yourusername/authsite/internal/storage"
	"github.com/yourusername/authsite/internal/web"
)

// setupRouter はミドルウェアと画面・API のルーティングを配線します。
func setupRouter(cfg *config.Config, logger *zap.Logger, store *storage.Store, security *securityDeps) *gin.Engine {
	router := gin.New()
	router.SetHTMLTemplate(web.Templates())

	// アクセスログとエラーページは最も外側に置く
	router.Use(middleware.AccessLog(logger))
	router.Use(middleware.ErrorHandling(web.RenderErrorPage, logger))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		auth.CSRFHeader, // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader}
	router.Use(cors.New(corsConfig))

	// セッションストアの設定（クッキー署名鍵は必須）
	sessionStore := cookie.NewStore([]byte(cfg.SessionSecret))
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.IsRelease(),
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, sessionStore))

	router.Use(middleware.NewThrottler(cfg.PostRatePerSecond, cfg.PostBurst).Middleware())

	authManager := auth.NewManager(store, security.limiter, logger)
	router.Use(authManager.LoadUser(), authManager.VerifyCSRF())
	router.Use(middleware.ProtectedPageAccessLogger(cfg.ProtectedPrefix, web.LoginPath, logger, security.recorder))

	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth(store))

	handler := web.NewHandler(authManager, store, security.recorder, logger)
	handler.Mount(router)

	api := router.Group("/api")
	{
		api.GET("/me", handler.Me)
	}

	router.NoRoute(middleware.NotFound(web.RenderErrorPage))
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := store.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": "authsite",
			"version": "0.1.0",
		})
	}
}
