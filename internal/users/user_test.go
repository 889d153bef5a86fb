package users

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func init() {
	PasswordCost = bcrypt.MinCost
}

func TestNewUserNormalizesInput(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("JST", 9*60*60))
	user, err := NewUser(CreateInput{
		Username: "  taro  ",
		Email:    " Taro@Example.COM ",
		Password: "Secret123",
	}, func() time.Time { return fixed }, func() (string, error) { return "user-1", nil })
	if err != nil {
		t.Fatalf("NewUser returned error: %v", err)
	}

	if user.ID != "user-1" {
		t.Fatalf("unexpected id: %q", user.ID)
	}
	if user.Username != "taro" {
		t.Fatalf("expected trimmed username, got %q", user.Username)
	}
	if user.Email != "taro@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	if !user.IsActive {
		t.Fatal("new users must be active")
	}
	if !user.DateJoined.Equal(fixed) || user.DateJoined.Location() != time.UTC {
		t.Fatalf("unexpected DateJoined: %v", user.DateJoined)
	}
	if user.PasswordHash == "" || user.PasswordHash == "Secret123" {
		t.Fatal("password must be stored hashed")
	}
	if !user.CheckPassword("Secret123") {
		t.Fatal("CheckPassword should accept the original password")
	}
	if user.CheckPassword("secret123") {
		t.Fatal("CheckPassword should reject a different password")
	}
}

func TestNewUserIDGeneratorError(t *testing.T) {
	_, err := NewUser(CreateInput{Username: "taro", Email: "t@example.com", Password: "Secret123"}, nil,
		func() (string, error) { return "", errors.New("boom") })
	if err == nil {
		t.Fatal("expected error from id generator")
	}
}

func TestSetPasswordRejectsEmpty(t *testing.T) {
	var u User
	if err := u.SetPassword(""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected ErrEmptyPassword, got %v", err)
	}
	if u.CheckPassword("") {
		t.Fatal("an empty hash must never match")
	}
}

func TestUserString(t *testing.T) {
	if got := (&User{Username: "hanako", Email: "h@example.com"}).String(); got != "hanako" {
		t.Fatalf("String() = %q, want hanako", got)
	}
	if got := (&User{Email: "h@example.com"}).String(); got != "h@example.com" {
		t.Fatalf("String() = %q, want email fallback", got)
	}
	var nilUser *User
	if got := nilUser.String(); got != "" {
		t.Fatalf("nil user String() = %q", got)
	}
}

func TestNewIDIsUnique(t *testing.T) {
	a, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	b, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct ids")
	}
}
