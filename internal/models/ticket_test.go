package models

import (
	"reflect"
	"testing"
	"time"
)

func fullTicket() *GoldenTicket {
	return &GoldenTicket{
		Domain:      "guarded.example.com",
		SourceURL:   "https://guarded.example.com/login",
		HarvestedAt: time.Now().UTC(),
		TTLSeconds:  1500,
		Cookies: []Cookie{
			{Name: CloudflareClearanceCookie, Value: "tok", Domain: ".guarded.example.com", Path: "/", HTTPOnly: true, Secure: true, SameSite: "None"},
			{Name: "session", Value: "abc", Domain: "guarded.example.com", Path: "/", Expires: 1924992000},
		},
		UserAgent:     "Mozilla/5.0 test",
		ProxyURL:      "http://proxy.internal:8080",
		ExtraHeaders:  map[string]string{"Accept-Language": "en-US"},
		ChallengeType: ChallengeCloudflare,
	}
}

func TestTicketJSONRoundTrip(t *testing.T) {
	original := fullTicket()

	data, err := original.ToJSON()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	parsed, err := TicketFromJSON([]byte(data))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if !reflect.DeepEqual(original, parsed) {
		t.Errorf("round trip changed the ticket:\n  in:  %+v\n  out: %+v", original, parsed)
	}
}

func TestTicketExpiryBoundary(t *testing.T) {
	ttl := 10 * time.Minute
	margin := 50 * time.Millisecond

	fresh := &GoldenTicket{
		Domain:      "example.com",
		HarvestedAt: time.Now().Add(-ttl + margin),
		TTLSeconds:  int(ttl.Seconds()),
	}
	if fresh.IsExpired() {
		t.Error("ticket just inside its TTL reported expired")
	}

	stale := &GoldenTicket{
		Domain:      "example.com",
		HarvestedAt: time.Now().Add(-ttl - margin),
		TTLSeconds:  int(ttl.Seconds()),
	}
	if !stale.IsExpired() {
		t.Error("ticket just past its TTL reported fresh")
	}
}

func TestTicketClampTTL(t *testing.T) {
	ticket := &GoldenTicket{TTLSeconds: -5}
	ticket.ClampTTL(30 * time.Minute)
	if ticket.TTLSeconds != 0 {
		t.Errorf("negative TTL not clamped to 0, got %d", ticket.TTLSeconds)
	}

	ticket.TTLSeconds = int(time.Hour.Seconds())
	ticket.ClampTTL(30 * time.Minute)
	if ticket.TTLSeconds != int((30 * time.Minute).Seconds()) {
		t.Errorf("oversized TTL not clamped, got %d", ticket.TTLSeconds)
	}
}

func TestHasCloudflareClearance(t *testing.T) {
	ticket := &GoldenTicket{Cookies: []Cookie{{Name: "session", Value: "abc"}}}
	if ticket.HasCloudflareClearance() {
		t.Error("clearance reported without cf_clearance cookie")
	}

	ticket.Cookies = append(ticket.Cookies, Cookie{Name: CloudflareClearanceCookie, Value: "tok"})
	if !ticket.HasCloudflareClearance() {
		t.Error("clearance cookie not detected")
	}
}
