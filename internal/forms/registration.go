package forms

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// 登録フォームのエラーメッセージ
const (
	MsgRequired          = "このフィールドは必須です。"
	MsgUsernameTooShort  = "ユーザー名は3文字以上で入力してください。"
	MsgUsernameAlnum     = "ユーザー名には文字と数字のみ使用できます。"
	MsgUsernameTaken     = "このユーザー名は既に使用されています。"
	MsgEmailInvalid      = "有効なメールアドレスを入力してください。"
	MsgEmailTaken        = "このメールアドレスは既に使用されています。"
	MsgPasswordTooShort  = "パスワードは8文字以上で入力してください。"
	MsgPasswordNoDigit   = "パスワードには数字を1文字以上含めてください。"
	MsgPasswordNoUpper   = "パスワードには大文字を1文字以上含めてください。"
	MsgPasswordMismatch  = "確認用パスワードが一致しません。"
	msgMaxLengthTemplate = "%s 文字以内で入力してください。"
)

// UniquenessChecker はユーザー名・メールアドレスの重複を確認します。
type UniquenessChecker interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
}

// RegistrationForm はユーザー登録フォームです。
type RegistrationForm struct {
	Username  string `form:"username" binding:"required,max=150,min=3,alnumunicode"`
	Email     string `form:"email" binding:"required,max=254,email"`
	Password1 string `form:"password1" binding:"required,min=8,hasdigit,hasupper"`
	Password2 string `form:"password2" binding:"required,eqfield=Password1"`

	Errors FieldErrors `form:"-"`
}

var registrationFields = map[string]string{
	"Username":  "username",
	"Email":     "email",
	"Password1": "password1",
	"Password2": "password2",
}

// NewRegistrationForm は POST された値からフォームを作成します。
// ユーザー名とメールアドレスの前後の空白は取り除き、パスワードはそのまま扱います。
func NewRegistrationForm(values url.Values) (*RegistrationForm, error) {
	f := &RegistrationForm{Errors: FieldErrors{}}
	if err := mapValues(values, f); err != nil {
		return nil, err
	}
	f.Username = strings.TrimSpace(f.Username)
	f.Email = strings.TrimSpace(f.Email)
	return f, nil
}

// Validate はフォームを検証し、有効なら true を返します。
// 重複確認でストアが失敗した場合のみ error を返します。
func (f *RegistrationForm) Validate(ctx context.Context, checker UniquenessChecker) (bool, error) {
	if f.Errors == nil {
		f.Errors = FieldErrors{}
	}

	verrs, err := validate(f)
	if err != nil {
		return false, err
	}
	for _, fe := range verrs {
		field := registrationFields[fe.StructField()]
		f.Errors.Add(field, registrationMessage(fe))
	}

	// タグ検証を通過したフィールドだけ重複確認を行う
	if checker != nil {
		if !f.Errors.Has("username") {
			taken, err := checker.UsernameExists(ctx, f.Username)
			if err != nil {
				return false, fmt.Errorf("check username: %w", err)
			}
			if taken {
				f.Errors.Add("username", MsgUsernameTaken)
			}
		}
		if !f.Errors.Has("email") {
			taken, err := checker.EmailExists(ctx, f.Email)
			if err != nil {
				return false, fmt.Errorf("check email: %w", err)
			}
			if taken {
				f.Errors.Add("email", MsgEmailTaken)
			}
		}
	}

	return !f.Errors.Any(), nil
}

func registrationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return MsgRequired
	case "max":
		return fmt.Sprintf(msgMaxLengthTemplate, fe.Param())
	case "email":
		return MsgEmailInvalid
	case "alnumunicode":
		return MsgUsernameAlnum
	case "hasdigit":
		return MsgPasswordNoDigit
	case "hasupper":
		return MsgPasswordNoUpper
	case "eqfield":
		return MsgPasswordMismatch
	case "min":
		if fe.StructField() == "Username" {
			return MsgUsernameTooShort
		}
		return MsgPasswordTooShort
	default:
		return fmt.Sprintf("入力値が不正です（%s）。", fe.Tag())
	}
}
