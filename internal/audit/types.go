// Package audit は認証まわりのセキュリティイベントを非同期に記録します。
package audit

import "time"

// EventType はイベントの種類です。
type EventType string

const (
	EventUserRegistered     EventType = "user_registered"
	EventLoginSucceeded     EventType = "login_succeeded"
	EventLoginFailed        EventType = "login_failed"
	EventLoginLocked        EventType = "login_locked"
	EventLogout             EventType = "logout"
	EventUnauthorizedAccess EventType = "unauthorized_access"
)

// Event は1件のセキュリティイベントです。
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Username   string    `json:"username,omitempty"` // 未ログインのアクセスでは空
	IP         string    `json:"ip,omitempty"`
	Path       string    `json:"path,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Label は画面表示用の日本語ラベルを返します。
func (e Event) Label() string {
	switch e.Type {
	case EventUserRegistered:
		return "アカウント登録"
	case EventLoginSucceeded:
		return "ログイン"
	case EventLoginFailed:
		return "ログイン失敗"
	case EventLoginLocked:
		return "ログインロック"
	case EventLogout:
		return "ログアウト"
	case EventUnauthorizedAccess:
		return "未認証アクセス"
	default:
		return string(e.Type)
	}
}
