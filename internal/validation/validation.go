package validation

import (
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

func MaxMessageLength() int {
	maxStr := os.Getenv("MAX_MESSAGE_LENGTH")
	if maxStr == "" {
		return 4000
	}
	max, err := strconv.Atoi(maxStr)
	if err != nil || max < 1 {
		return 4000
	}
	return max
}

// TrimAndLimit trims surrounding whitespace and truncates to max runes.
// Truncating by runes rather than bytes keeps a multi-byte character from
// being split into invalid UTF-8.
func TrimAndLimit(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// ValidClientID accepts the uuid the client tags optimistic sends with.
// Blank is fine; the server assigns one.
func ValidClientID(s string) bool {
	if s == "" {
		return true
	}
	_, err := uuid.Parse(s)
	return err == nil
}
