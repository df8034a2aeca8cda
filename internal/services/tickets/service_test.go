package tickets

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
	"github.com/ternarybob/venator/internal/services/events"
	"github.com/ternarybob/venator/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, interfaces.EventService) {
	t.Helper()
	logger := common.GetLogger()
	bus := events.NewService(logger)
	t.Cleanup(func() { bus.Close() })
	store := memory.NewTicketStore(30 * time.Minute)
	return NewService(store, bus, logger, 25*time.Minute, 30*time.Minute), bus
}

func testTicket(domain string) *models.GoldenTicket {
	return &models.GoldenTicket{
		Domain:      domain,
		SourceURL:   "https://" + domain + "/",
		HarvestedAt: time.Now(),
		Cookies: []models.Cookie{
			{Name: models.CloudflareClearanceCookie, Value: "tok", Domain: "." + domain, Path: "/"},
		},
		UserAgent: "Mozilla/5.0 test",
	}
}

func TestStoreAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Store(ctx, testTicket("example.com")); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, err := svc.Get(ctx, "example.com")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a ticket")
	}
	if got.TTLSeconds != int((25 * time.Minute).Seconds()) {
		t.Errorf("default TTL not applied, got %d", got.TTLSeconds)
	}
	if !got.HasCloudflareClearance() {
		t.Error("clearance cookie lost")
	}
}

func TestStoreRejectsEmptyCookies(t *testing.T) {
	svc, _ := newTestService(t)

	ticket := testTicket("example.com")
	ticket.Cookies = nil
	if err := svc.Store(context.Background(), ticket); err == nil {
		t.Fatal("expected error for ticket without cookies")
	}
}

func TestStoreClampsTTL(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := testTicket("example.com")
	ticket.TTLSeconds = int((2 * time.Hour).Seconds())
	if err := svc.Store(ctx, ticket); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, err := svc.Get(ctx, "example.com")
	if err != nil || got == nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.TTLSeconds > int((30 * time.Minute).Seconds()) {
		t.Errorf("TTL %d exceeds the 30m cap", got.TTLSeconds)
	}
}

func TestStorePublishesEvents(t *testing.T) {
	svc, bus := newTestService(t)

	sub := bus.Subscribe(interfaces.CaptchaChannel)
	defer sub.Close()

	if err := svc.Store(context.Background(), testTicket("example.com")); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	seen := map[interfaces.EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case event := <-sub.Events():
			seen[event.Type] = true
			if event.Domain() != "example.com" {
				t.Errorf("event domain = %q", event.Domain())
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for ticket events")
		}
	}
	if !seen[interfaces.EventTicketStored] || !seen[interfaces.EventSessionCached] {
		t.Errorf("missing lifecycle events, saw %v", seen)
	}
}

func TestInvalidate(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()

	if err := svc.Store(ctx, testTicket("example.com")); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	sub := bus.SubscribeFiltered(interfaces.CaptchaChannel, "example.com", interfaces.EventSessionInvalidated)
	defer sub.Close()

	if err := svc.Invalidate(ctx, "example.com", "blocked_with_ticket"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}

	got, err := svc.Get(ctx, "example.com")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Error("ticket survived invalidation")
	}

	select {
	case event := <-sub.Events():
		if reason, _ := event.Payload["reason"].(string); reason != "blocked_with_ticket" {
			t.Errorf("reason = %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no session_invalidated event")
	}
}

func TestExpiredTicketIsNil(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := testTicket("example.com")
	ticket.HarvestedAt = time.Now().Add(-time.Hour)
	ticket.TTLSeconds = 60
	// Bypass the service so the stale entry lands in the store as-is.
	store := memory.NewTicketStore(30 * time.Minute)
	if err := store.Put(ctx, ticket); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	svc.store = store

	got, err := svc.Get(ctx, "example.com")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Error("expired ticket returned from Get")
	}
}
