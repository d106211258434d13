package profile

import (
	"fmt"
	"strings"

	"github.com/pulsecard/studysync/internal/domain/shared"
)

// Subject is a key of the fixed set of study subjects.
type Subject string

const (
	SubjectAnatomy      Subject = "anatomy"
	SubjectPhysiology   Subject = "physiology"
	SubjectBiochemistry Subject = "biochemistry"
)

var subjects = []Subject{SubjectAnatomy, SubjectPhysiology, SubjectBiochemistry}

// Subjects returns the closed subject set in display order.
func Subjects() []Subject {
	out := make([]Subject, len(subjects))
	copy(out, subjects)
	return out
}

// IsValid reports whether s belongs to the closed set.
func (s Subject) IsValid() bool {
	for _, known := range subjects {
		if s == known {
			return true
		}
	}
	return false
}

// String returns the subject key.
func (s Subject) String() string {
	return string(s)
}

// Title returns the subject key with an upper-case first letter.
func (s Subject) Title() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// ParseSubject turns user input into a Subject.
// Case and surrounding whitespace are ignored; a unique prefix ("bio") is accepted.
func ParseSubject(raw string) (Subject, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", fmt.Errorf("%w: empty subject", shared.ErrInvalidSubject)
	}

	var match Subject
	for _, s := range subjects {
		if string(s) == key {
			return s, nil
		}
		if strings.HasPrefix(string(s), key) {
			if match != "" {
				return "", fmt.Errorf("%w: %q is ambiguous", shared.ErrInvalidSubject, raw)
			}
			match = s
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %q", shared.ErrInvalidSubject, raw)
	}
	return match, nil
}

// mustBeKnown enforces the subject precondition of the pure transforms.
func mustBeKnown(op string, s Subject) {
	if !s.IsValid() {
		panic(shared.WrapError("profile", op, shared.ErrInvalidInput,
			fmt.Sprintf("unknown subject %q", string(s)), shared.ErrInvalidSubject))
	}
}
