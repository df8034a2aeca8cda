package models

import "fmt"

// TierLevel identifies a fetch strategy in the escalation ladder.
// Levels are totally ordered: a higher level trades bandwidth and latency
// for evasion capability.
type TierLevel int

const (
	// TierRequest is lightweight HTTP with TLS-fingerprint impersonation.
	TierRequest TierLevel = 1
	// TierWarmHTTP is browser-backed HTTP using a warmed session, no JS render.
	TierWarmHTTP TierLevel = 2
	// TierBrowser is a full browser render with navigation tricks.
	TierBrowser TierLevel = 3
	// TierStealthBrowser is a stealth browser with built-in challenge settling.
	TierStealthBrowser TierLevel = 4
	// TierCDPSolver is a CDP-mode browser with CAPTCHA solver (pluggable slot).
	TierCDPSolver TierLevel = 5
	// TierNonWebdriver is a non-webdriver browser, cross-frame capable (pluggable slot).
	TierNonWebdriver TierLevel = 6
	// TierHITL hands the browser to a human operator.
	TierHITL TierLevel = 7
)

// String returns a short name for the tier level.
func (t TierLevel) String() string {
	switch t {
	case TierRequest:
		return "request"
	case TierWarmHTTP:
		return "warm_http"
	case TierBrowser:
		return "browser"
	case TierStealthBrowser:
		return "stealth_browser"
	case TierCDPSolver:
		return "cdp_solver"
	case TierNonWebdriver:
		return "non_webdriver"
	case TierHITL:
		return "hitl"
	default:
		return fmt.Sprintf("tier_%d", int(t))
	}
}

// IsBrowser reports whether the tier drives a full browser.
func (t TierLevel) IsBrowser() bool {
	return t >= TierBrowser && t <= TierNonWebdriver
}

// Strategy restricts the tier range for a fetch request.
type Strategy string

const (
	StrategyAuto        Strategy = "auto"         // full escalation ladder
	StrategyRequestOnly Strategy = "request_only" // tier 1 only
	StrategyBrowserOnly Strategy = "browser_only" // start at the first browser tier
)

// IsValid reports whether the strategy is one of the recognised values.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyAuto, StrategyRequestOnly, StrategyBrowserOnly:
		return true
	}
	return false
}

// ErrorType classifies a tier failure. The set is closed: implementers must
// pick the most specific category and fall back to ErrorUnknown only when
// nothing else fits.
type ErrorType string

const (
	ErrorNone              ErrorType = "ok"
	ErrorTimeout           ErrorType = "timeout"
	ErrorDNS               ErrorType = "dns_error"
	ErrorConnectionRefused ErrorType = "connection_refused"
	ErrorSSL               ErrorType = "ssl_error"
	ErrorNetwork           ErrorType = "network_error"
	ErrorBlocked           ErrorType = "blocked"
	ErrorCaptchaRequired   ErrorType = "captcha_required"
	ErrorRateLimit         ErrorType = "rate_limit"
	ErrorServer            ErrorType = "server_error"
	ErrorBrowserCrash      ErrorType = "browser_crash"
	ErrorUnknown           ErrorType = "unknown"
)

// IsFailFast reports whether the error terminates orchestration immediately.
// No stronger tier resolves a bad hostname or a refused connection.
func (e ErrorType) IsFailFast() bool {
	return e == ErrorDNS || e == ErrorConnectionRefused
}

// ChallengeType tags the anti-bot mechanism detected in a response.
type ChallengeType string

const (
	// ChallengeNone means no challenge was detected.
	ChallengeNone        ChallengeType = ""
	ChallengeCloudflare  ChallengeType = "cloudflare"
	ChallengeCaptcha     ChallengeType = "captcha"
	ChallengeTurnstile   ChallengeType = "turnstile"
	ChallengeBotDetected ChallengeType = "bot_detected"
	ChallengeAccessDenied ChallengeType = "access_denied"
	ChallengeWAFBlock    ChallengeType = "waf_block"
)

// RequiresJS reports whether the challenge needs JavaScript execution to
// clear. A warm HTTP tier cannot by construction solve these, so the
// orchestrator skips it when one is seen at tier 1.
func (c ChallengeType) RequiresJS() bool {
	switch c {
	case ChallengeCloudflare, ChallengeCaptcha, ChallengeTurnstile, ChallengeBotDetected:
		return true
	}
	return false
}

// TierResult is the uniform outcome of one tier attempt.
type TierResult struct {
	Success           bool           `json:"success"`
	Content           string         `json:"content,omitempty"` // may be present on failure for diagnostics
	StatusCode        int            `json:"status_code,omitempty"`
	TierUsed          TierLevel      `json:"tier_used"`
	ExecutionTimeMs   int64          `json:"execution_time_ms"`
	ResponseSizeBytes int            `json:"response_size_bytes"`
	Error             string         `json:"error,omitempty"` // set iff !Success
	ErrorType         ErrorType      `json:"error_type"`
	DetectedChallenge ChallengeType  `json:"detected_challenge,omitempty"`
	ShouldEscalate    bool           `json:"should_escalate"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// SetMeta stores a diagnostic value, allocating the map on first use.
func (r *TierResult) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// DerivedStatus maps the result onto the client-visible status enum.
func (r *TierResult) DerivedStatus() string {
	switch {
	case r.Success:
		return "success"
	case r.ErrorType == ErrorBlocked || r.ErrorType == ErrorRateLimit:
		return "blocked"
	case r.ErrorType == ErrorTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// Failure builds a failed TierResult with the escalation hint derived from
// the error class: fail-fast errors never escalate, challenge and crash
// classes do, and ambiguous cases default to escalating.
func Failure(tier TierLevel, errType ErrorType, msg string) *TierResult {
	return &TierResult{
		Success:        false,
		TierUsed:       tier,
		Error:          msg,
		ErrorType:      errType,
		ShouldEscalate: !errType.IsFailFast(),
	}
}
