package domain

import (
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

func ValidateID(name string, id int64) error {
	if id <= 0 {
		return Validationf("%s must be positive, got %d", name, id)
	}
	return nil
}

// NormalizeText strips NUL bytes and surrounding whitespace.
func NormalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

// OptionalText normalizes s and returns nil when nothing is left.
func OptionalText(s *string) *string {
	if s == nil {
		return nil
	}
	v := NormalizeText(*s)
	if v == "" {
		return nil
	}
	return &v
}

// ParseDate parses a YYYY-MM-DD business date. Blank input yields nil.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return nil, Validationf("invalid date %q, expected %s", s, DateLayout)
	}
	return &t, nil
}

// QAOriginText is the indexed and deduplicated text of a question/answer pair.
func QAOriginText(question, answer string) string {
	return question + "\n" + answer
}
