package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/authsite/internal/users"
)

var _ users.Store = (*Store)(nil)

const userColumns = `id, username, email, password_hash, is_active, is_staff, date_joined, last_login`

// Create はユーザーを保存します。ユーザー名・メールアドレスの重複は専用エラーを返します。
func (s *Store) Create(ctx context.Context, user *users.User) error {
	if user == nil {
		return fmt.Errorf("user is nil")
	}
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}

	var lastLogin sql.NullInt64
	if !user.LastLogin.IsZero() {
		lastLogin = sql.NullInt64{Int64: toMillis(user.LastLogin), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Username,
		users.NormalizeEmail(user.Email),
		user.PasswordHash,
		boolToInt(user.IsActive),
		boolToInt(user.IsStaff),
		toMillis(user.DateJoined),
		lastLogin,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

// GetByID は ID でユーザーを取得します。
func (s *Store) GetByID(ctx context.Context, id string) (*users.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetByUsername はユーザー名でユーザーを取得します（大文字小文字を区別）。
func (s *Store) GetByUsername(ctx context.Context, username string) (*users.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// UsernameExists はユーザー名が使用済みかを返します（大文字小文字を区別しない）。
// ログイン時の照合は GetByUsername で大文字小文字を区別する。
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM users WHERE username = ? COLLATE NOCASE LIMIT 1`, username)
}

// EmailExists はメールアドレスが使用済みかを返します（大文字小文字を区別しない）。
func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM users WHERE email = ? LIMIT 1`, users.NormalizeEmail(email))
}

// TouchLastLogin は最終ログイン日時を更新します。
func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return users.ErrNotFound
	}
	return nil
}

// CountUsers は登録ユーザー数を返します。
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) exists(ctx context.Context, query string, arg any) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*users.User, error) {
	var (
		u          users.User
		isActive   int
		isStaff    int
		dateJoined int64
		lastLogin  sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &isActive, &isStaff, &dateJoined, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, users.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.IsActive = isActive != 0
	u.IsStaff = isStaff != 0
	u.DateJoined = fromMillis(dateJoined)
	if lastLogin.Valid {
		u.LastLogin = fromMillis(lastLogin.Int64)
	}
	return &u, nil
}

// mapConstraintError は UNIQUE 制約違反をドメインエラーに変換します。
func mapConstraintError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: users.email"):
		return users.ErrDuplicateEmail
	case strings.Contains(msg, "UNIQUE constraint failed: users.username"):
		return users.ErrDuplicateUsername
	default:
		return err
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
