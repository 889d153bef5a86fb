// Package web は登録・ログイン・ログアウト・ホーム画面のハンドラーとテンプレートを提供します。
package web

import (
	"context"
	"embed"
	"encoding/gob"
	"html/template"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/authsite/internal/audit"
	"github.com/yourusername/authsite/internal/auth"
	"github.com/yourusername/authsite/internal/forms"
	"github.com/yourusername/authsite/internal/users"
)

// 画面のパス
const (
	HomePath     = "/home/"
	LoginPath    = "/login/"
	LogoutPath   = "/logout/"
	RegisterPath = "/register/"
)

// メッセージのレベル
const (
	LevelSuccess = "success"
	LevelInfo    = "info"
	LevelError   = "error"
)

// Message はリダイレクト後に一度だけ表示するメッセージです。
type Message struct {
	Level string
	Text  string
}

func init() {
	// クッキーセッションは gob でエンコードされる
	gob.Register(Message{})
}

var pageTitles = map[string]string{
	"login.html":    "ログイン",
	"register.html": "新規登録",
	"home.html":     "ホーム",
	"404.html":      "ページが見つかりません",
	"500.html":      "サーバーエラー",
}

//go:embed templates/*.html
var templateFS embed.FS

// Templates は埋め込みテンプレートを読み込みます。gin.Engine.SetHTMLTemplate に渡します。
func Templates() *template.Template {
	return template.Must(template.New("").Funcs(template.FuncMap{
		"datetime": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.UTC().Format("2006-01-02 15:04:05 UTC")
		},
	}).ParseFS(templateFS, "templates/*.html"))
}

// UserService は登録処理で使うユーザー操作です。
type UserService interface {
	forms.UniquenessChecker
	Create(ctx context.Context, user *users.User) error
}

// Handler は画面ハンドラーをまとめた構造体です。
type Handler struct {
	auth     *auth.Manager
	users    UserService
	recorder audit.Recorder
	logger   *zap.Logger
}

// NewHandler は Handler を作成します。recorder が nil の場合は監査を記録しません。
func NewHandler(authManager *auth.Manager, userService UserService, recorder audit.Recorder, logger *zap.Logger) *Handler {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		auth:     authManager,
		users:    userService,
		recorder: recorder,
		logger:   logger,
	}
}

// addMessage はセッションにメッセージを積みます。保存は呼び出し側のレスポンス前に行われます。
func addMessage(c *gin.Context, level, text string) {
	sessions.Default(c).AddFlash(Message{Level: level, Text: text})
}

func saveSession(c *gin.Context) error {
	return sessions.Default(c).Save()
}

// redirect はセッションを保存してからリダイレクトします。
func redirect(c *gin.Context, location string) {
	if err := saveSession(c); err != nil {
		_ = c.Error(err)
		return
	}
	c.Redirect(http.StatusFound, location)
}

// render は共通の値（ログインユーザー、メッセージ、CSRF トークン）を加えてテンプレートを描画します。
func (h *Handler) render(c *gin.Context, status int, name string, data gin.H) {
	if data == nil {
		data = gin.H{}
	}

	token, err := auth.EnsureCSRFToken(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if _, ok := data["Title"]; !ok {
		data["Title"] = pageTitles[name]
	}
	data["CSRFToken"] = token
	data["CSRFField"] = auth.CSRFFormField
	data["Messages"] = consumeMessages(c)
	if user, ok := auth.CurrentUser(c); ok {
		data["CurrentUser"] = user
	}

	if err := saveSession(c); err != nil {
		_ = c.Error(err)
		return
	}
	c.HTML(status, name, data)
}

func consumeMessages(c *gin.Context) []Message {
	var out []Message
	for _, v := range sessions.Default(c).Flashes() {
		if msg, ok := v.(Message); ok {
			out = append(out, msg)
		}
	}
	return out
}

// RenderErrorPage はステータスコードに対応するエラーページを描画します。
func RenderErrorPage(c *gin.Context, status int) {
	name := "error.html"
	switch status {
	case http.StatusNotFound:
		name = "404.html"
	case http.StatusInternalServerError:
		name = "500.html"
	}
	title, ok := pageTitles[name]
	if !ok {
		title = http.StatusText(status)
	}
	data := gin.H{
		"Title":      title,
		"Status":     status,
		"StatusText": http.StatusText(status),
	}
	if user, ok := auth.CurrentUser(c); ok {
		data["CurrentUser"] = user
	}
	c.HTML(status, name, data)
}

// safeNext は同一サイト内の相対パスのみを許可し、それ以外はホームを返します。
// http.Redirect がパスを path.Clean するため、正規化後の形でも検査する。
func safeNext(next string) string {
	if next == "" || strings.HasPrefix(next, "//") || strings.ContainsAny(next, "\\\r\n\t") {
		return HomePath
	}
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() || u.Host != "" || u.Opaque != "" {
		return HomePath
	}
	for _, p := range []string{u.Path, path.Clean(u.Path)} {
		if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
			return HomePath
		}
	}
	return next
}

func (h *Handler) event(c *gin.Context, typ audit.EventType, username string) audit.Event {
	return audit.Event{
		Type:      typ,
		Username:  username,
		IP:        c.ClientIP(),
		Path:      c.Request.URL.Path,
		UserAgent: c.Request.UserAgent(),
	}
}
