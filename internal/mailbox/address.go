package mailbox

import (
	"regexp"
	"strings"
)

var addressPattern = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)

// ExtractAddresses returns every address found in a header value, lower-cased, in order.
func ExtractAddresses(raw string) []string {
	matches := addressPattern.FindAllString(raw, -1)
	for i, m := range matches {
		matches[i] = strings.ToLower(m)
	}
	return matches
}

// SenderAddress returns the first address in a From value, or "".
func SenderAddress(from string) string {
	if addrs := ExtractAddresses(from); len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}

// NormalizeMessageID strips surrounding angle brackets and whitespace and lower-cases a
// Message-ID header value.
func NormalizeMessageID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimLeft(id, "<")
	id = strings.TrimRight(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}
