package tiers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ternarybob/venator/internal/challenge"
	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/models"
)

func newTestWarmTier(t *testing.T) *WarmTier {
	t.Helper()
	tier := NewWarmTier(common.NewDefaultConfig(), challenge.NewDetector(), common.GetLogger())
	t.Cleanup(func() { tier.Cleanup() })
	return tier
}

// A server that hands out a session cookie at the root and gates the
// target page on it.
func newGatedServer(t *testing.T, rootHits, targetHits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		rootHits.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "gate", Value: "open", Path: "/"})
		w.Write([]byte(`<html><body>Welcome, a cookie has been set for your session.</body></html>`))
	})
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		targetHits.Add(1)
		if c, err := r.Cookie("gate"); err != nil || c.Value != "open" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`<html><body>Access denied. Reference #18.4f7c</body></html>`))
			return
		}
		w.Write([]byte(cleanPage))
	})
	return httptest.NewServer(mux)
}

func TestWarmTierClearsCookieGate(t *testing.T) {
	var rootHits, targetHits atomic.Int32
	server := newGatedServer(t, &rootHits, &targetHits)
	defer server.Close()

	tier := newTestWarmTier(t)
	result := tier.Execute(context.Background(), server.URL+"/protected", nil)

	if !result.Success {
		t.Fatalf("expected success, got %s: %s", result.ErrorType, result.Error)
	}
	if result.TierUsed != models.TierWarmHTTP {
		t.Errorf("tier_used = %v", result.TierUsed)
	}
	if rootHits.Load() != 1 {
		t.Errorf("warm-up hit root %d times, want 1", rootHits.Load())
	}
}

func TestWarmTierReusesSession(t *testing.T) {
	var rootHits, targetHits atomic.Int32
	server := newGatedServer(t, &rootHits, &targetHits)
	defer server.Close()

	tier := newTestWarmTier(t)
	for i := 0; i < 3; i++ {
		if result := tier.Execute(context.Background(), server.URL+"/protected", nil); !result.Success {
			t.Fatalf("fetch %d failed: %s", i, result.Error)
		}
	}

	// One warm-up for the whole session, not one per fetch.
	if rootHits.Load() != 1 {
		t.Errorf("root hit %d times, want 1", rootHits.Load())
	}
	if targetHits.Load() != 3 {
		t.Errorf("target hit %d times, want 3", targetHits.Load())
	}
}

func TestWarmTierSeparateProfiles(t *testing.T) {
	var rootHits, targetHits atomic.Int32
	server := newGatedServer(t, &rootHits, &targetHits)
	defer server.Close()

	tier := newTestWarmTier(t)
	tier.Execute(context.Background(), server.URL+"/protected", &models.FetchOptions{ProfileID: "alpha"})
	tier.Execute(context.Background(), server.URL+"/protected", &models.FetchOptions{ProfileID: "beta"})

	// Distinct profiles get distinct jars, so each warms separately.
	if rootHits.Load() != 2 {
		t.Errorf("root hit %d times, want 2", rootHits.Load())
	}
}

func TestWarmTierReportsChallenge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`<html><head><title>Attention Required! | Cloudflare</title></head>
<body>Sorry, you have been blocked. Cloudflare Ray ID: 8a1b2c</body></html>`))
	}))
	defer server.Close()

	tier := newTestWarmTier(t)
	result := tier.Execute(context.Background(), server.URL+"/x", nil)

	if result.Success {
		t.Fatal("blocked page should not succeed")
	}
	if result.DetectedChallenge != models.ChallengeCloudflare {
		t.Errorf("detected_challenge = %q", result.DetectedChallenge)
	}
	if !result.ShouldEscalate {
		t.Error("block should escalate")
	}
}
