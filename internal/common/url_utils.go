package common

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Domain extracts the lowercase hostname (no port) from a raw URL, or ""
// when the URL has none. Tickets and tasks are keyed by this value.
func Domain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// ProfileHash derives a stable directory name for a domain's browser
// profile. The salt keeps profile paths unguessable from domain names.
func ProfileHash(domain, salt string) string {
	sum := sha256.Sum256([]byte(salt + ":" + strings.ToLower(domain)))
	return hex.EncodeToString(sum[:16])
}
