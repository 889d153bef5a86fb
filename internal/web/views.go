package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/authsite/internal/audit"
	"github.com/yourusername/authsite/internal/auth"
	"github.com/yourusername/authsite/internal/forms"
	"github.com/yourusername/authsite/internal/users"
)

const (
	msgLoggedIn           = "ログインしました。"
	msgLoggedOut          = "ログアウトしました。"
	msgInvalidCredentials = "ユーザー名またはパスワードが正しくありません。"
	msgLocked             = "ログイン試行回数が上限に達しました。しばらくしてから再度お試しください。"

	recentActivityLimit = 10
)

// Index はホームへリダイレクトします。
func (h *Handler) Index(c *gin.Context) {
	c.Redirect(http.StatusFound, HomePath)
}

// Register はユーザー登録画面の表示と登録処理を行います。
func (h *Handler) Register(c *gin.Context) {
	if auth.IsAuthenticated(c) {
		c.Redirect(http.StatusFound, HomePath)
		return
	}
	if c.Request.Method != http.MethodPost {
		h.render(c, http.StatusOK, "register.html", gin.H{"Form": &forms.RegistrationForm{}})
		return
	}

	if err := c.Request.ParseForm(); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	form, err := forms.NewRegistrationForm(c.Request.PostForm)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	ctx := c.Request.Context()
	ok, err := form.Validate(ctx, h.users)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !ok {
		h.render(c, http.StatusOK, "register.html", gin.H{"Form": form})
		return
	}

	user, err := users.NewUser(users.CreateInput{
		Username: form.Username,
		Email:    form.Email,
		Password: form.Password1,
	}, nil, nil)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := h.users.Create(ctx, user); err != nil {
		// 検証後に同時登録された場合
		switch {
		case errors.Is(err, users.ErrDuplicateUsername):
			form.Errors.Add("username", forms.MsgUsernameTaken)
		case errors.Is(err, users.ErrDuplicateEmail):
			form.Errors.Add("email", forms.MsgEmailTaken)
		default:
			_ = c.Error(err)
			return
		}
		h.render(c, http.StatusOK, "register.html", gin.H{"Form": form})
		return
	}
	h.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	h.recorder.Record(ctx, h.event(c, audit.EventUserRegistered, user.Username))

	authed, err := h.auth.Authenticate(ctx, form.Username, form.Password1)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Error("authenticate after register", zap.Error(err))
		}
		c.Redirect(http.StatusFound, LoginPath)
		return
	}
	if err := h.auth.Login(c, authed); err != nil {
		_ = c.Error(err)
		return
	}
	h.recorder.Record(ctx, h.event(c, audit.EventLoginSucceeded, authed.Username))
	c.Redirect(http.StatusFound, HomePath)
}

// Login はログイン画面の表示とログイン処理を行います。
func (h *Handler) Login(c *gin.Context) {
	if auth.IsAuthenticated(c) {
		c.Redirect(http.StatusFound, HomePath)
		return
	}
	if c.Request.Method != http.MethodPost {
		h.render(c, http.StatusOK, "login.html", gin.H{
			"Form": &forms.LoginForm{Next: c.Query("next")},
		})
		return
	}

	if err := c.Request.ParseForm(); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	form, err := forms.NewLoginForm(c.Request.PostForm)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	ok, err := form.Validate()
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !ok {
		addMessage(c, LevelError, msgInvalidCredentials)
		h.render(c, http.StatusOK, "login.html", gin.H{"Form": form})
		return
	}

	ctx := c.Request.Context()
	user, remaining, err := h.auth.AttemptLogin(ctx, c.ClientIP(), form.Username, form.Password)
	var locked *auth.LockedError
	switch {
	case errors.As(err, &locked):
		h.logger.Warn("login locked",
			zap.String("remote_addr", c.ClientIP()),
			zap.Duration("retry_after", locked.RetryAfter),
		)
		h.recorder.Record(ctx, h.event(c, audit.EventLoginLocked, form.Username))
		c.Header("Retry-After", locked.RetryAfterSeconds())
		addMessage(c, LevelError, msgLocked)
		h.render(c, http.StatusTooManyRequests, "login.html", gin.H{"Form": form})
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.recorder.Record(ctx, h.event(c, audit.EventLoginFailed, form.Username))
		addMessage(c, LevelError, msgInvalidCredentials)
		h.render(c, http.StatusOK, "login.html", gin.H{
			"Form":              form,
			"RemainingAttempts": remaining,
		})
		return
	case err != nil:
		_ = c.Error(err)
		return
	}

	if err := h.auth.Login(c, user); err != nil {
		_ = c.Error(err)
		return
	}
	h.recorder.Record(ctx, h.event(c, audit.EventLoginSucceeded, user.Username))
	addMessage(c, LevelSuccess, msgLoggedIn)
	redirect(c, safeNext(form.Next))
}

// Logout はログアウトしてログイン画面へリダイレクトします。RequireLogin の後に登録してください。
func (h *Handler) Logout(c *gin.Context) {
	var username string
	if user, ok := auth.CurrentUser(c); ok {
		username = user.Username
	}
	if err := h.auth.Logout(c); err != nil {
		_ = c.Error(err)
		return
	}
	h.recorder.Record(c.Request.Context(), h.event(c, audit.EventLogout, username))
	addMessage(c, LevelInfo, msgLoggedOut)
	redirect(c, LoginPath)
}

// Home はログインユーザーのホーム画面です。
func (h *Handler) Home(c *gin.Context) {
	user, ok := auth.CurrentUser(c)
	if !ok {
		c.Redirect(http.StatusFound, LoginPath)
		return
	}
	events, err := h.recorder.Recent(c.Request.Context(), user.Username, recentActivityLimit)
	if err != nil {
		h.logger.Warn("failed to load recent activity", zap.String("username", user.Username), zap.Error(err))
		events = nil
	}
	h.render(c, http.StatusOK, "home.html", gin.H{
		"User":   user,
		"Events": events,
	})
}

type meResponse struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	IsStaff    bool       `json:"isStaff"`
	DateJoined time.Time  `json:"dateJoined"`
	LastLogin  *time.Time `json:"lastLogin,omitempty"`
}

// Me はログインユーザーの情報を JSON で返します。
func (h *Handler) Me(c *gin.Context) {
	user, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です。",
		})
		return
	}
	resp := meResponse{
		ID:         user.ID,
		Username:   user.Username,
		Email:      user.Email,
		IsStaff:    user.IsStaff,
		DateJoined: user.DateJoined,
	}
	if !user.LastLogin.IsZero() {
		lastLogin := user.LastLogin
		resp.LastLogin = &lastLogin
	}
	// SPA から利用する場合に備えてトークンをヘッダーで渡す
	if token, err := auth.EnsureCSRFToken(c); err == nil {
		c.Header(auth.CSRFHeader, token)
	}
	c.JSON(http.StatusOK, resp)
}
