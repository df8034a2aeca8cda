// Package tickets manages the golden ticket cache: harvested session
// credentials keyed by domain, with TTL clamping and lifecycle events.
package tickets

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// Service wraps a TicketStore with lifecycle events. All ticket writes in
// the system go through here so every cache change is observable.
type Service struct {
	store      interfaces.TicketStore
	events     interfaces.EventService
	logger     arbor.ILogger
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewService creates a new ticket service
func NewService(store interfaces.TicketStore, events interfaces.EventService, logger arbor.ILogger, defaultTTL, maxTTL time.Duration) *Service {
	return &Service{
		store:      store,
		events:     events,
		logger:     logger,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
	}
}

// Get returns the fresh ticket for a domain, or nil.
func (s *Service) Get(ctx context.Context, domain string) (*models.GoldenTicket, error) {
	return s.store.Get(ctx, domain)
}

// Store persists a harvested ticket and publishes ticket_stored and
// session_cached events. A ticket without a TTL gets the default.
func (s *Service) Store(ctx context.Context, ticket *models.GoldenTicket) error {
	if ticket == nil {
		return fmt.Errorf("nil ticket")
	}
	if len(ticket.Cookies) == 0 {
		return fmt.Errorf("ticket for %s has no cookies", ticket.Domain)
	}

	if ticket.HarvestedAt.IsZero() {
		ticket.HarvestedAt = time.Now()
	}
	if ticket.TTLSeconds <= 0 {
		ticket.TTLSeconds = int(s.defaultTTL.Seconds())
	}
	ticket.ClampTTL(s.maxTTL)

	if err := s.store.Put(ctx, ticket); err != nil {
		return err
	}

	s.logger.Info().
		Str("domain", ticket.Domain).
		Int("cookies", len(ticket.Cookies)).
		Bool("cf_clearance", ticket.HasCloudflareClearance()).
		Msg("Golden ticket cached")

	s.publish(ctx, interfaces.EventTicketStored, ticket.Domain, ticket.Summary())
	s.publish(ctx, interfaces.EventSessionCached, ticket.Domain, ticket.Summary())
	return nil
}

// Invalidate removes a domain's ticket and publishes session_invalidated.
// Called when a replayed ticket triggers a blocked response.
func (s *Service) Invalidate(ctx context.Context, domain, reason string) error {
	if err := s.store.Delete(ctx, domain); err != nil {
		return err
	}

	s.logger.Info().
		Str("domain", domain).
		Str("reason", reason).
		Msg("Golden ticket invalidated")

	s.publish(ctx, interfaces.EventSessionInvalidated, domain, map[string]any{
		"domain": domain,
		"reason": reason,
	})
	return nil
}

// Extend lengthens a ticket's TTL, clamped to the configured maximum.
func (s *Service) Extend(ctx context.Context, domain string, delta time.Duration) error {
	return s.store.Extend(ctx, domain, delta)
}

// Domains lists all domains with a cached ticket.
func (s *Service) Domains(ctx context.Context) ([]string, error) {
	return s.store.Domains(ctx)
}

func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, domain string, payload map[string]any) {
	if s.events == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["domain"]; !ok {
		payload["domain"] = domain
	}
	event := interfaces.Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := s.events.Publish(ctx, interfaces.CaptchaChannel, event); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish ticket event")
	}
}
