package client

import "strings"

// DefaultDenyList holds endpoints that are placeholders or deliberately
// disabled. Connecting to them would only burn retries.
var DefaultDenyList = []string{
	"localhost:0",
	"example.com",
	"placeholder",
	"disabled",
}

// IsDenied reports whether endpoint is empty or matches an entry of deny,
// exactly or as a substring, ignoring case.
func IsDenied(endpoint string, deny []string) bool {
	endpoint = strings.ToLower(strings.TrimSpace(endpoint))
	if endpoint == "" {
		return true
	}
	for _, entry := range deny {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if endpoint == entry || strings.Contains(endpoint, entry) {
			return true
		}
	}
	return false
}
