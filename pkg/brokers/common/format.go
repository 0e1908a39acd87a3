package common

import (
	"strconv"
	"strings"
)

// FormatFloat renders v without exponent or trailing zeros.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseFloat parses venue decimal strings; blanks and garbage become 0.
func ParseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
