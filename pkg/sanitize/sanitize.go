package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	htmlTagRegex = regexp.MustCompile(`<[^>]*>`)
	unsafeURLRe  = regexp.MustCompile(`[<>"\\\s]`)
)

// StripControlCharacters removes control characters from string, keeping newlines and tabs
func StripControlCharacters(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// MessageText normalizes a chat message body.
// It returns the cleaned text and false when it exceeds maxRunes.
func MessageText(input string, maxRunes int) (string, bool) {
	text := strings.TrimSpace(StripControlCharacters(input))
	return text, utf8.RuneCountInString(text) <= maxRunes
}

// GroupName normalizes a group name: no markup, no control characters, single line.
func GroupName(input string, maxRunes int) (string, bool) {
	name := htmlTagRegex.ReplaceAllString(input, "")
	name = strings.ReplaceAll(StripControlCharacters(name), "\n", " ")
	name = strings.Join(strings.Fields(name), " ")
	return name, name != "" && utf8.RuneCountInString(name) <= maxRunes
}

// URL trims a user supplied URL and removes characters that cannot appear in one
func URL(input string) string {
	return unsafeURLRe.ReplaceAllString(strings.TrimSpace(input), "")
}

// Filename removes path components and control characters from an attachment name
func Filename(filename string) string {
	filename = strings.TrimSpace(filename)
	if i := strings.LastIndexAny(filename, `/\`); i >= 0 {
		filename = filename[i+1:]
	}
	return strings.TrimSpace(StripControlCharacters(strings.ReplaceAll(filename, "\n", "")))
}
