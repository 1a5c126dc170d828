package security

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Input categories reported by InputRejectedError.
const (
	InputSQLInjection = "sql_injection"
	InputXSS          = "xss"
)

// DefaultSQLInjectionPatterns flag SQL metacharacters and keywords. They are
// deliberately blunt and meant for short identifying fields such as e-mail
// addresses, not free text.
var DefaultSQLInjectionPatterns = []string{
	`('|(--)|(;)|(\|\|)|(\*))`,
	`(\bOR\b|\bAND\b).*=.*`,
	`(\bUNION\b|\bSELECT\b|\bDROP\b|\bINSERT\b|\bUPDATE\b|\bDELETE\b)`,
	`(\bEXEC\b|\bEXECUTE\b|\bSCRIPT\b)`,
}

// DefaultXSSPatterns flag markup that executes script.
var DefaultXSSPatterns = []string{
	`<script[^>]*>.*?</script>`,
	`javascript:`,
	`on\w+\s*=`,
	`<iframe`,
	`<object`,
	`<embed`,
}

// ErrInvalidInput is wrapped by every InputRejectedError.
var ErrInvalidInput = errors.New("invalid input")

// InputRejectedError names the field and the category of pattern it matched.
type InputRejectedError struct {
	Field    string
	Category string
}

func (e *InputRejectedError) Error() string {
	return fmt.Sprintf("invalid %s: potential %s detected", e.Field, e.Category)
}

func (e *InputRejectedError) Unwrap() error {
	return ErrInvalidInput
}

// InputValidator rejects values matching a fixed list of injection patterns.
// Values are NFKC-normalized first so full-width and compatibility forms of
// the same characters match too. Matching is case-insensitive.
type InputValidator struct {
	sql []*regexp.Regexp
	xss []*regexp.Regexp
}

// NewInputValidator compiles the pattern lists. A nil list selects the
// default; an empty list disables that category.
func NewInputValidator(sqlPatterns, xssPatterns []string) (*InputValidator, error) {
	if sqlPatterns == nil {
		sqlPatterns = DefaultSQLInjectionPatterns
	}
	if xssPatterns == nil {
		xssPatterns = DefaultXSSPatterns
	}

	v := &InputValidator{}
	var err error
	if v.sql, err = compilePatterns(sqlPatterns); err != nil {
		return nil, fmt.Errorf("sql injection patterns: %w", err)
	}
	if v.xss, err = compilePatterns(xssPatterns); err != nil {
		return nil, fmt.Errorf("xss patterns: %w", err)
	}
	return v, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// ValidateString checks a single value. Empty values are always valid.
func (v *InputValidator) ValidateString(field, value string) error {
	if v == nil || value == "" {
		return nil
	}
	value = norm.NFKC.String(value)
	if matchAny(v.sql, value) {
		return &InputRejectedError{Field: field, Category: InputSQLInjection}
	}
	if matchAny(v.xss, value) {
		return &InputRejectedError{Field: field, Category: InputXSS}
	}
	return nil
}

// Validate checks data as decoded from JSON: strings are checked, maps are
// checked per key with the key as field name, slices element by element.
// Other values are ignored. The first rejection is returned; map keys are
// visited in sorted order so the result is stable.
func (v *InputValidator) Validate(field string, data any) error {
	switch d := data.(type) {
	case string:
		return v.ValidateString(field, d)
	case map[string]any:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := v.Validate(k, d[k]); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range d {
			if err := v.Validate(field, item); err != nil {
				return err
			}
		}
	case []string:
		for _, item := range d {
			if err := v.ValidateString(field, item); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
