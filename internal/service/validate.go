package service

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entrans "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate   *validator.Validate
	translator ut.Translator

	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)
)

func init() {
	validate = validator.New()
	locale := en.New()
	translator, _ = ut.New(locale, locale).GetTranslator("en")
	_ = entrans.RegisterDefaultTranslations(validate, translator)

	// report json names, not Go field names
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	_ = validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return ValidUsername(fl.Field().String())
	})
	_ = validate.RegisterTranslation("username", translator, func(ut ut.Translator) error {
		return ut.Add("username", "{0} must be 3-20 letters, digits or underscores", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("username", fe.Field())
		return t
	})
}

func ValidUsername(s string) bool {
	return usernameRe.MatchString(s)
}

// validateStruct returns a ValidationError carrying the first failed rule.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		return &ValidationError{Msg: fields[0].Translate(translator)}
	}
	return &ValidationError{Msg: err.Error()}
}
