// Package users はアカウント情報のモデルと永続化インターフェースを提供します。
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotFound はユーザーが存在しない場合のエラーです。
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateEmail はメールアドレスが既に使用されている場合のエラーです。
	ErrDuplicateEmail = errors.New("email already in use")
	// ErrDuplicateUsername はユーザー名が既に使用されている場合のエラーです。
	ErrDuplicateUsername = errors.New("username already in use")
	// ErrEmptyPassword は空のパスワードを設定しようとした場合のエラーです。
	ErrEmptyPassword = errors.New("password is required")
)

// PasswordCost は bcrypt のコストです。テストでは bcrypt.MinCost に下げられます。
var PasswordCost = bcrypt.DefaultCost

// User はログイン可能なアカウントを表します。
type User struct {
	ID           string
	Username     string
	Email        string // 全ユーザーで一意（大文字小文字を区別しない）
	PasswordHash string
	IsActive     bool
	IsStaff      bool
	DateJoined   time.Time
	LastLogin    time.Time // 未ログインならゼロ値
}

// String はユーザー名、空ならメールアドレスを返します。
func (u *User) String() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

// SetPassword は平文パスワードを bcrypt でハッシュ化して保持します。
func (u *User) SetPassword(raw string) error {
	if raw == "" {
		return ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), PasswordCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword は平文パスワードが保存済みハッシュと一致するかを返します。
func (u *User) CheckPassword(raw string) bool {
	if u == nil || u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(raw)) == nil
}

// CreateInput はユーザー作成に必要な入力です。
type CreateInput struct {
	Username string
	Email    string
	Password string
}

// NewUser は入力を正規化し、ID・登録日時・パスワードハッシュを設定したユーザーを返します。
func NewUser(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (*User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = NewID
	}

	id, err := idGenerator()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}

	user := &User{
		ID:         id,
		Username:   strings.TrimSpace(input.Username),
		Email:      NormalizeEmail(input.Email),
		IsActive:   true,
		DateJoined: now().UTC(),
	}
	if err := user.SetPassword(input.Password); err != nil {
		return nil, err
	}
	return user, nil
}

// NormalizeEmail は比較・保存用にメールアドレスを正規化します。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewID はユーザーIDを生成します。
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Store はユーザーの永続化を担います。
type Store interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}
