// Package forms は登録・ログインフォームの入力バインドと検証を提供します。
package forms

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"unicode"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// NonFieldErrors は特定のフィールドに属さないエラーのキーです。
const NonFieldErrors = "__all__"

// FieldErrors はフィールド名ごとのエラーメッセージです。
type FieldErrors map[string][]string

// Add はフィールドにエラーメッセージを追加します。
func (e FieldErrors) Add(field, message string) {
	e[field] = append(e[field], message)
}

// Get はフィールドのエラーメッセージを返します（テンプレート用）。
func (e FieldErrors) Get(field string) []string {
	return e[field]
}

// Has はフィールドにエラーがあるかを返します。
func (e FieldErrors) Has(field string) bool {
	return len(e[field]) > 0
}

// Any はいずれかのエラーがあるかを返します。
func (e FieldErrors) Any() bool {
	for _, msgs := range e {
		if len(msgs) > 0 {
			return true
		}
	}
	return false
}

var registerOnce sync.Once

// RegisterValidators は gin のバリデーターにカスタムルールを登録します。
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("alnumunicode", func(fl validator.FieldLevel) bool {
			return isAlnum(fl.Field().String())
		})
		_ = v.RegisterValidation("hasdigit", func(fl validator.FieldLevel) bool {
			return containsRune(fl.Field().String(), unicode.IsDigit)
		})
		_ = v.RegisterValidation("hasupper", func(fl validator.FieldLevel) bool {
			return containsRune(fl.Field().String(), unicode.IsUpper)
		})
	})
}

// mapValues はフォーム値を form タグに従って構造体へ写します。
func mapValues(values url.Values, ptr any) error {
	if values == nil {
		return nil
	}
	if err := binding.MapFormWithTag(ptr, values, "form"); err != nil {
		return fmt.Errorf("map form: %w", err)
	}
	return nil
}

// validate は binding タグによる検証を実行します。
func validate(ptr any) (validator.ValidationErrors, error) {
	RegisterValidators()
	err := binding.Validator.ValidateStruct(ptr)
	if err == nil {
		return nil, nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return verrs, nil
	}
	return nil, err
}

// isAlnum は空でなく、文字と数字のみで構成されているかを返します。
func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			return false
		}
	}
	return true
}

func containsRune(s string, pred func(rune) bool) bool {
	for _, r := range s {
		if pred(r) {
			return true
		}
	}
	return false
}
