package flow

import (
	"regexp"
	"strings"
)

// Field extraction rules for the auth and lead-collection flows. Each
// extractor is forgiving about surrounding phrasing but strict about the
// value itself; a failed extraction re-prompts in the same state.

var (
	phonePattern = regexp.MustCompile(`^[6-9]\d{9}$`)
	otpPattern   = regexp.MustCompile(`^\d{6}$`)
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	nonDigits    = regexp.MustCompile(`\D`)
)

// skipKeywords abort lead collection when matched exactly (case-insensitive).
var skipKeywords = []string{"skip", "no", "cancel", "later", "next"}

// namePrefixes are greeting phrases stripped before validating a name.
var namePrefixes = []string{
	"my name is", "i am", "i'm", "this is", "name is", "name:", "call me",
}

// IsSkipKeyword reports whether text is exactly a recognized skip keyword.
func IsSkipKeyword(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, kw := range skipKeywords {
		if normalized == kw {
			return true
		}
	}
	return false
}

// ExtractPhone pulls a 10-digit Indian mobile number out of text. Formatting
// characters are stripped first; a 91 or +91 country prefix is accepted and
// removed. Returns the bare 10 digits and whether extraction succeeded.
func ExtractPhone(text string) (string, bool) {
	digits := nonDigits.ReplaceAllString(text, "")
	if len(digits) == 12 && strings.HasPrefix(digits, "91") {
		digits = digits[2:]
	}
	if phonePattern.MatchString(digits) {
		return digits, true
	}
	return "", false
}

// ExtractOTP accepts exactly six digits, nothing more.
func ExtractOTP(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if otpPattern.MatchString(trimmed) {
		return trimmed, true
	}
	return "", false
}

// ExtractEmail finds the first well-formed address in text, tolerating
// phrasing like "my email is x@y.com".
func ExtractEmail(text string) (string, bool) {
	if m := emailPattern.FindString(text); m != "" {
		return strings.ToLower(m), true
	}
	return "", false
}

// ExtractName strips greeting phrasing and validates the remainder as a
// personal name of 2 to 50 characters.
func ExtractName(text string) (string, bool) {
	name := strings.TrimSpace(text)
	lower := strings.ToLower(name)
	for _, prefix := range namePrefixes {
		if strings.HasPrefix(lower, prefix) {
			name = strings.TrimSpace(name[len(prefix):])
			break
		}
	}
	name = strings.Trim(name, ".,!")
	if len(name) < 2 || len(name) > 50 {
		return "", false
	}
	return name, true
}
