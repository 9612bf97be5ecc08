// Package validate checks the free-form strings merchants send with payment
// requests: order and customer references, currency codes and refund reasons.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// Limits applied by the payment validators.
const (
	MaxIdentifierLength = 128
	MaxReasonLength     = 500
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length in runes (0 = no minimum)
	MaxLength      int            // Maximum length in runes (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex the whole string must match
	AllowEmpty     bool           // Whether empty strings are allowed
	AllowControl   bool           // Whether control characters are allowed
	TrimSpace      bool           // Whether to trim whitespace before validation
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}

	// Rune count, not bytes.
	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if !constraints.AllowControl && strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: control characters are not allowed", ErrInvalidCharacters)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

var currencyPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)

// Identifier validates a merchant reference such as an order or customer ID:
// 1-128 characters after trimming, no control characters.
func Identifier(id string) (string, error) {
	return String(id, StringConstraints{
		MaxLength: MaxIdentifierLength,
		TrimSpace: true,
	})
}

// CurrencyCode validates a three-letter ISO 4217 code and returns it upper-cased.
func CurrencyCode(code string) (string, error) {
	code, err := String(code, StringConstraints{
		AllowedPattern: currencyPattern,
		TrimSpace:      true,
	})
	if err != nil {
		return "", err
	}
	return strings.ToUpper(code), nil
}

// Reason validates an optional free-text refund reason of at most 500
// characters. Newlines and tabs are allowed; other control characters are not.
func Reason(reason string) (string, error) {
	reason, err := String(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return ' '
		}
		return r
	}, reason), StringConstraints{
		MaxLength:  MaxReasonLength,
		AllowEmpty: true,
		TrimSpace:  true,
	})
	if err != nil {
		return "", err
	}
	return reason, nil
}
