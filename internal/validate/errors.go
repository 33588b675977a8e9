package validate

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ErrValidation: общий признак ошибки валидации: errors.Is(err, ErrValidation).
var ErrValidation = errors.New("validation failed")

// FieldError: нарушение для одного поля.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// ValidationError перечисляет все нарушенные поля, а не только первое.
type ValidationError struct {
	errs error
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, 4)
	for _, fe := range e.Fields() {
		parts = append(parts, fe.Error())
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Unwrap отдаёт ошибки полей, поэтому errors.Is(err, ErrInvalidKeyLength) работает на всей ошибке.
func (e *ValidationError) Unwrap() []error { return multierr.Errors(e.errs) }

func (e *ValidationError) Fields() []*FieldError {
	var out []*FieldError
	for _, err := range multierr.Errors(e.errs) {
		var fe *FieldError
		if errors.As(err, &fe) {
			out = append(out, fe)
		}
	}
	return out
}

// FieldMap: поле -> текст ошибки (для ответов API).
func (e *ValidationError) FieldMap() map[string]string {
	m := make(map[string]string)
	for _, fe := range e.Fields() {
		m[fe.Field] = fe.Err.Error()
	}
	return m
}

// Fields накапливает ошибки по полям.
type Fields struct {
	errs error
}

func (f *Fields) Add(field string, err error) {
	if err != nil {
		f.errs = multierr.Append(f.errs, &FieldError{Field: field, Err: err})
	}
}

func (f *Fields) Required(field, v string) bool {
	if strings.TrimSpace(v) == "" {
		f.Add(field, ErrRequired)
		return false
	}
	return true
}

func (f *Fields) Key(field, v string) {
	if f.Required(field, v) {
		f.Add(field, Key(v))
	}
}

func (f *Fields) OptionalKey(field, v string) {
	if v != "" {
		f.Add(field, Key(v))
	}
}

func (f *Fields) CIDR(field, v string) {
	if f.Required(field, v) {
		f.Add(field, CIDR(v))
	}
}

func (f *Fields) Endpoint(field, v string) {
	if f.Required(field, v) {
		f.Add(field, Endpoint(v))
	}
}

// Merge переносит поля другой ValidationError под префиксом ("server" -> "server.address").
func (f *Fields) Merge(prefix string, err error) {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		f.Add(prefix, err)
		return
	}
	for _, fe := range ve.Fields() {
		f.Add(prefix+"."+fe.Field, fe.Err)
	}
}

// Err возвращает *ValidationError или nil.
func (f *Fields) Err() error {
	if f.errs == nil {
		return nil
	}
	return &ValidationError{errs: f.errs}
}

// Invalid: короткий путь для одиночного нарушения.
func Invalid(field string, err error) error {
	var f Fields
	f.Add(field, err)
	return f.Err()
}
