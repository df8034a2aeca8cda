package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// FetchRequest is an immutable fetch job created on submission.
type FetchRequest struct {
	JobID     string        `json:"job_id"`
	URL       string        `json:"url" validate:"required,url"`
	Strategy  Strategy      `json:"strategy" validate:"omitempty,oneof=auto request_only browser_only"`
	Options   *FetchOptions `json:"options,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// FetchOptions carries advisory per-request settings. A tier that cannot
// honor a field must fail with a tier-appropriate error, not silently
// ignore it. All recognised fields are enumerated here; unknown fields are
// rejected at the API boundary.
type FetchOptions struct {
	ProxyURL     string            `json:"proxy_url,omitempty" validate:"omitempty,url"`
	ExtraCookies map[string]string `json:"extra_cookies,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	// WaitSelector is a CSS selector that signals "page ready" for the
	// browser tiers.
	WaitSelector string `json:"wait_selector,omitempty"`
	// ProfileID pins session continuity across requests. Opaque token.
	ProfileID string `json:"profile_id,omitempty"`
	// UseStealthNavigation hints that tiers supporting it should prefer
	// indirect navigation (referer-hop) over direct loads.
	UseStealthNavigation bool `json:"use_stealth_navigation,omitempty"`

	// UserAgent is not client-settable; it is populated internally when a
	// golden ticket is injected so the harvested UA replays exactly.
	UserAgent string `json:"-"`
}

// Clone returns a deep copy so per-tier mutation (ticket injection) never
// leaks across attempts.
func (o *FetchOptions) Clone() *FetchOptions {
	if o == nil {
		return &FetchOptions{}
	}
	c := *o
	if o.ExtraCookies != nil {
		c.ExtraCookies = make(map[string]string, len(o.ExtraCookies))
		for k, v := range o.ExtraCookies {
			c.ExtraCookies[k] = v
		}
	}
	if o.ExtraHeaders != nil {
		c.ExtraHeaders = make(map[string]string, len(o.ExtraHeaders))
		for k, v := range o.ExtraHeaders {
			c.ExtraHeaders[k] = v
		}
	}
	return &c
}

// Validate checks the request beyond struct tags: the URL must be absolute
// http(s) and the strategy must be recognised (empty defaults to auto).
func (r *FetchRequest) Validate() error {
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be absolute http(s), got scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must be absolute, missing host")
	}
	if r.Strategy == "" {
		r.Strategy = StrategyAuto
	}
	if !r.Strategy.IsValid() {
		return fmt.Errorf("unknown strategy %q", r.Strategy)
	}
	return nil
}

// ToJSON serializes the request for queue storage.
func (r *FetchRequest) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FetchRequestFromJSON deserializes a request from queue storage.
func FetchRequestFromJSON(data []byte) (*FetchRequest, error) {
	var req FetchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
