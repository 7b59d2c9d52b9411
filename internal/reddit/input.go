package reddit

import (
	"fmt"
	"strings"
	"unicode"
)

// InvalidArgumentError reports caller input rejected before anything is
// sent to the executor.
type InvalidArgumentError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// CleanSubreddit normalizes user input such as " r/Golang " to a bare
// subreddit name. Names may contain letters, digits, underscores and
// hyphens.
func CleanSubreddit(s string) (string, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), "r/", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")

	if cleaned == "" {
		return "", &InvalidArgumentError{Field: "subreddit", Value: s, Reason: "name is required"}
	}
	for _, r := range cleaned {
		if r == '_' || r == '-' || isAlnum(r) {
			continue
		}
		return "", &InvalidArgumentError{Field: "subreddit", Value: s, Reason: "only letters, digits, _ and - are allowed"}
	}
	return cleaned, nil
}

// CleanPostID normalizes a post id, accepting the "t3_" fullname form.
func CleanPostID(s string) (string, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), "t3_", "")

	if cleaned == "" {
		return "", &InvalidArgumentError{Field: "post_id", Value: s, Reason: "id is required"}
	}
	for _, r := range cleaned {
		if !isAlnum(r) {
			return "", &InvalidArgumentError{Field: "post_id", Value: s, Reason: "ids are alphanumeric"}
		}
	}
	return cleaned, nil
}

// checkLimit applies the default of 10 to a zero limit and rejects
// anything outside 1..100.
func checkLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLimit, nil
	}
	if limit < 1 || limit > MaxLimit {
		return 0, &InvalidArgumentError{
			Field:  "limit",
			Value:  fmt.Sprint(limit),
			Reason: fmt.Sprintf("must be between 1 and %d", MaxLimit),
		}
	}
	return limit, nil
}

func requireText(field, s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", &InvalidArgumentError{Field: field, Reason: "must not be empty"}
	}
	return s, nil
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
