package web

import "github.com/gin-gonic/gin"

// Mount は画面のルートを登録します。
// セッション、auth.Manager.LoadUser、VerifyCSRF は呼び出し側で先に登録しておく必要があります。
func (h *Handler) Mount(r gin.IRoutes) {
	requireLogin := h.auth.RequireLogin(LoginPath)

	r.GET("/", h.Index)

	r.GET(RegisterPath, h.Register)
	r.POST(RegisterPath, h.Register)

	r.GET(LoginPath, h.Login)
	r.POST(LoginPath, h.Login)

	// リンクからのログアウトにも対応するため GET も受け付ける
	r.GET(LogoutPath, requireLogin, h.Logout)
	r.POST(LogoutPath, requireLogin, h.Logout)

	r.GET(HomePath, requireLogin, h.Home)
}
