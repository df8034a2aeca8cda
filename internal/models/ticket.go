package models

import (
	"encoding/json"
	"time"
)

// CloudflareClearanceCookie is the cookie name that proves a cleared
// Cloudflare challenge. Tickets carrying it are the most valuable.
const CloudflareClearanceCookie = "cf_clearance"

// Cookie is one harvested browser cookie. Order is preserved because some
// servers are sensitive to replay order.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds, 0 for session cookies
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"same_site,omitempty"`
}

// GoldenTicket is the credential bundle harvested from a solved challenge,
// scoped to one domain. The ticket replays the exact session context the
// challenge was solved in: cookies, user agent and proxy. Sessions are
// proxy-bound, so a ticket harvested through a proxy is only valid through
// that proxy.
type GoldenTicket struct {
	Domain        string            `json:"domain"`
	SourceURL     string            `json:"source_url"`
	HarvestedAt   time.Time         `json:"harvested_at"`
	TTLSeconds    int               `json:"ttl_seconds"`
	Cookies       []Cookie          `json:"cookies"`
	UserAgent     string            `json:"user_agent,omitempty"`
	ProxyURL      string            `json:"proxy_url,omitempty"`
	ExtraHeaders  map[string]string `json:"extra_headers,omitempty"`
	ChallengeType ChallengeType     `json:"challenge_type,omitempty"`
}

// IsExpired reports whether the ticket is past its TTL. Expiry is enforced
// at read time even when the backing store has not evicted the key yet.
func (t *GoldenTicket) IsExpired() bool {
	return time.Now().After(t.ExpiresAt())
}

// ExpiresAt returns the wall-clock expiry instant.
func (t *GoldenTicket) ExpiresAt() time.Time {
	return t.HarvestedAt.Add(time.Duration(t.TTLSeconds) * time.Second)
}

// HasCloudflareClearance reports whether a cf_clearance cookie was harvested.
func (t *GoldenTicket) HasCloudflareClearance() bool {
	for _, c := range t.Cookies {
		if c.Name == CloudflareClearanceCookie {
			return true
		}
	}
	return false
}

// ClampTTL bounds the ticket TTL to [0, max].
func (t *GoldenTicket) ClampTTL(max time.Duration) {
	maxSec := int(max.Seconds())
	if t.TTLSeconds < 0 {
		t.TTLSeconds = 0
	}
	if maxSec > 0 && t.TTLSeconds > maxSec {
		t.TTLSeconds = maxSec
	}
}

// CookieMap flattens the cookies to name→value for HTTP tier injection.
func (t *GoldenTicket) CookieMap() map[string]string {
	m := make(map[string]string, len(t.Cookies))
	for _, c := range t.Cookies {
		m[c.Name] = c.Value
	}
	return m
}

// Summary returns a compact description for result metadata, without the
// cookie values themselves.
func (t *GoldenTicket) Summary() map[string]any {
	return map[string]any{
		"domain":               t.Domain,
		"harvested_at":         t.HarvestedAt.Format(time.RFC3339),
		"ttl_seconds":          t.TTLSeconds,
		"cookie_count":         len(t.Cookies),
		"cloudflare_clearance": t.HasCloudflareClearance(),
	}
}

// ToJSON serializes the ticket for key/value storage.
func (t *GoldenTicket) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TicketFromJSON deserializes a ticket from key/value storage.
func TicketFromJSON(data []byte) (*GoldenTicket, error) {
	var ticket GoldenTicket
	if err := json.Unmarshal(data, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}
