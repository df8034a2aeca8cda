// Package challenge classifies fetch responses as clean, soft-blocked,
// hard-challenge, or CAPTCHA so tiers can decide whether to escalate.
package challenge

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/venator/internal/models"
)

// Detector classifies a (content, status code) pair into a challenge type.
// Stateless and safe for concurrent use.
type Detector struct{}

// NewDetector creates a new challenge detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Cloudflare interstitial markers. Title phrases and the markup the
// challenge page embeds.
var cloudflareSignatures = []string{
	"just a moment",
	"checking your browser",
	"checking if the site connection is secure",
	"attention required! | cloudflare",
	"cf-browser-verification",
	"cf-challenge-running",
	"challenge-running",
	"__cf_chl",
	"cf_chl_opt",
	"cloudflare ray id",
	"performance & security by cloudflare",
}

// Turnstile widget markers.
var turnstileSignatures = []string{
	"cf-turnstile",
	"challenges.cloudflare.com/turnstile",
	"turnstile",
}

// Named CAPTCHA providers.
var captchaSignatures = []string{
	"g-recaptcha",
	"grecaptcha",
	"recaptcha/api.js",
	"h-captcha",
	"hcaptcha.com",
	"solve the captcha",
	"complete the captcha",
	"px-captcha",
	"geetest",
	"arkoselabs",
	"funcaptcha",
}

// Explicit anti-bot language.
var botSignatures = []string{
	"verify you are human",
	"verify that you are human",
	"are you a robot",
	"bot detected",
	"automated traffic",
	"unusual traffic from your computer network",
	"pardon our interruption",
	"datadome",
	"perimeterx",
	"distil networks",
	"ddos-guard",
	"browser verification in progress",
}

// Denial phrases that are strong enough to fire on their own.
var denialSignatures = []string{
	"you don't have permission to access",
	"you do not have permission to access",
	"access to this page has been denied",
	"this website is using a security service to protect itself",
	"the owner of this website has banned your access",
}

// Weak words that only count alongside a corroborating signal.
var weakDenialWords = []string{
	"access denied",
	"blocked",
	"forbidden",
}

// Corroborating markers for weak denial words.
var denialCorroboration = []string{
	"reference #",
	"akamai",
	"edgesuite",
	"incapsula",
	"incident id",
	"request id",
	"security service",
	"your ip",
}

// WAF vocabulary that turns a 503 into a block instead of a transient
// server error.
var wafVocabulary = []string{
	"firewall",
	"web application firewall",
	"waf",
	"shield",
	"protection",
	"security check",
}

// Detect classifies content and status into a challenge type. Strong
// content signatures win over status codes; status fallbacks apply only
// when content matched nothing. A bare 503 is treated as a transient
// server error, never a block.
func (d *Detector) Detect(content string, statusCode int) models.ChallengeType {
	haystack := strings.ToLower(content)
	if title := extractTitle(content); title != "" {
		haystack += "\n" + strings.ToLower(title)
	}

	// Strong content signatures first: content wins over status.
	switch {
	case containsAny(haystack, turnstileSignatures):
		return models.ChallengeTurnstile
	case containsAny(haystack, cloudflareSignatures):
		return models.ChallengeCloudflare
	case containsAny(haystack, captchaSignatures):
		return models.ChallengeCaptcha
	case containsAny(haystack, botSignatures):
		return models.ChallengeBotDetected
	case containsAny(haystack, denialSignatures):
		return models.ChallengeAccessDenied
	}

	// Weak generic words need a corroborating signal to fire.
	if containsAny(haystack, weakDenialWords) && containsAny(haystack, denialCorroboration) {
		return models.ChallengeAccessDenied
	}

	// Status-code fallbacks, applied only when content matched nothing.
	switch statusCode {
	case 403:
		return models.ChallengeAccessDenied
	case 503:
		if containsAny(haystack, wafVocabulary) {
			return models.ChallengeWAFBlock
		}
	}

	return models.ChallengeNone
}

// ClassifyError maps a detected challenge and status code to the tier
// result error type. CAPTCHA-class challenges short-circuit to HITL;
// everything else that matched is a block.
func (d *Detector) ClassifyError(challenge models.ChallengeType, statusCode int) models.ErrorType {
	switch challenge {
	case models.ChallengeCaptcha, models.ChallengeTurnstile:
		return models.ErrorCaptchaRequired
	case models.ChallengeCloudflare, models.ChallengeBotDetected,
		models.ChallengeAccessDenied, models.ChallengeWAFBlock:
		return models.ErrorBlocked
	}

	switch {
	case statusCode == 429:
		return models.ErrorRateLimit
	case statusCode >= 500:
		return models.ErrorServer
	case statusCode == 403 || statusCode == 401:
		return models.ErrorBlocked
	}

	return models.ErrorNone
}

// IsClean reports whether a response shows no challenge and a usable
// status. The HITL layer polls this to detect a solved challenge.
func (d *Detector) IsClean(content string, statusCode int) bool {
	if statusCode >= 400 && statusCode != 0 {
		return false
	}
	// A trivial body is not a solved page, it is usually a challenge
	// frame mid-refresh.
	if len(strings.TrimSpace(content)) < 256 {
		return false
	}
	return d.Detect(content, statusCode) == models.ChallengeNone
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

// extractTitle pulls the document title so title-only interstitials
// ("Just a moment...") match even when the body is script soup.
func extractTitle(content string) string {
	if !strings.Contains(strings.ToLower(content), "<title") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
