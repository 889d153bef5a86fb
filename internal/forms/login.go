package forms

import (
	"fmt"
	"net/url"
	"strings"
)

// LoginForm はログインフォームです。
type LoginForm struct {
	Username string `form:"username" binding:"required,max=100"`
	Password string `form:"password" binding:"required"`
	Next     string `form:"next"`

	Errors FieldErrors `form:"-"`
}

var loginFields = map[string]string{
	"Username": "username",
	"Password": "password",
}

// NewLoginForm は POST された値からログインフォームを作成します。
func NewLoginForm(values url.Values) (*LoginForm, error) {
	f := &LoginForm{Errors: FieldErrors{}}
	if err := mapValues(values, f); err != nil {
		return nil, err
	}
	f.Username = strings.TrimSpace(f.Username)
	f.Next = strings.TrimSpace(f.Next)
	return f, nil
}

// Validate は入力の形式のみを検証します。資格情報の照合は auth パッケージが行います。
func (f *LoginForm) Validate() (bool, error) {
	if f.Errors == nil {
		f.Errors = FieldErrors{}
	}
	verrs, err := validate(f)
	if err != nil {
		return false, err
	}
	for _, fe := range verrs {
		field := loginFields[fe.StructField()]
		switch fe.Tag() {
		case "required":
			f.Errors.Add(field, MsgRequired)
		case "max":
			f.Errors.Add(field, fmt.Sprintf(msgMaxLengthTemplate, fe.Param()))
		default:
			f.Errors.Add(field, fmt.Sprintf("入力値が不正です（%s）。", fe.Tag()))
		}
	}
	return !f.Errors.Any(), nil
}
