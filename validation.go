package shared

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// FieldError describes one failed rule.
type FieldError struct {
	Field   string
	Rule    string
	Message string
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// ValidationErrors is the cause of a validation *ClientError.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, fe := range v {
		parts[i] = fe.String()
	}
	return strings.Join(parts, "; ")
}

// Field returns the errors recorded for name.
func (v ValidationErrors) Field(name string) []FieldError {
	var out []FieldError
	for _, fe := range v {
		if fe.Field == name {
			out = append(out, fe)
		}
	}
	return out
}

// Validator accumulates field errors. Checks chain and never stop early:
//
//	err := shared.NewValidator().
//	    Required("email", in.Email).
//	    Email("email", in.Email).
//	    Range("age", float64(in.Age), 0, 150).
//	    Err()
type Validator struct {
	errs ValidationErrors
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Check records an error for field unless ok holds.
func (v *Validator) Check(ok bool, field, rule, message string) *Validator {
	if !ok {
		v.errs = append(v.errs, FieldError{Field: field, Rule: rule, Message: message})
	}
	return v
}

// Required fails on empty or whitespace-only values.
func (v *Validator) Required(field, value string) *Validator {
	return v.Check(strings.TrimSpace(value) != "", field, "required", "is required")
}

// MinLength fails when value has fewer than n runes.
func (v *Validator) MinLength(field, value string, n int) *Validator {
	return v.Check(utf8.RuneCountInString(value) >= n, field, "min_length",
		fmt.Sprintf("must be at least %d characters", n))
}

// MaxLength fails when value has more than n runes.
func (v *Validator) MaxLength(field, value string, n int) *Validator {
	return v.Check(utf8.RuneCountInString(value) <= n, field, "max_length",
		fmt.Sprintf("must be at most %d characters", n))
}

// Pattern fails when value does not match re.
func (v *Validator) Pattern(field, value string, re *regexp.Regexp, message string) *Validator {
	if message == "" {
		message = "has an invalid format"
	}
	return v.Check(re != nil && re.MatchString(value), field, "pattern", message)
}

// Email fails on anything net/mail cannot parse as a bare address. Empty
// values pass; combine with Required.
func (v *Validator) Email(field, value string) *Validator {
	if value == "" {
		return v
	}
	addr, err := mail.ParseAddress(value)
	return v.Check(err == nil && addr.Address == value, field, "email", "must be a valid email address")
}

// URL fails unless value is an absolute http(s) URL with a host. Empty values pass.
func (v *Validator) URL(field, value string) *Validator {
	if value == "" {
		return v
	}
	u, err := url.ParseRequestURI(value)
	ok := err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	return v.Check(ok, field, "url", "must be an absolute http or https URL")
}

// Range fails when value lies outside [lo, hi].
func (v *Validator) Range(field string, value, lo, hi float64) *Validator {
	return v.Check(value >= lo && value <= hi, field, "range",
		fmt.Sprintf("must be between %v and %v", lo, hi))
}

// OneOf fails unless value equals one of allowed.
func (v *Validator) OneOf(field, value string, allowed ...string) *Validator {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	return v.Check(false, field, "one_of", "must be one of "+strings.Join(allowed, ", "))
}

// Valid reports whether no check has failed.
func (v *Validator) Valid() bool {
	return len(v.errs) == 0
}

// Errors returns the recorded errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errs
}

// Err returns nil or a *ClientError of type ErrorTypeValidation whose cause
// is the ValidationErrors.
func (v *Validator) Err() error {
	if v.Valid() {
		return nil
	}
	return &ClientError{
		Type:    ErrorTypeValidation,
		Message: "validation failed",
		Cause:   v.errs,
	}
}
