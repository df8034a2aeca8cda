// Package memory provides in-process store implementations used by tests
// and single-node development setups.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// TicketStore is a map-backed TicketStore with the same read-time expiry
// semantics as the badger implementation.
type TicketStore struct {
	mu      sync.RWMutex
	tickets map[string]*models.GoldenTicket
	maxTTL  time.Duration
}

// NewTicketStore creates an empty in-memory ticket store.
func NewTicketStore(maxTTL time.Duration) *TicketStore {
	return &TicketStore{
		tickets: make(map[string]*models.GoldenTicket),
		maxTTL:  maxTTL,
	}
}

var _ interfaces.TicketStore = (*TicketStore)(nil)

func (s *TicketStore) Get(ctx context.Context, domain string) (*models.GoldenTicket, error) {
	key := strings.ToLower(domain)

	s.mu.RLock()
	ticket, ok := s.tickets[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if ticket.IsExpired() {
		s.mu.Lock()
		delete(s.tickets, key)
		s.mu.Unlock()
		return nil, nil
	}

	copied := *ticket
	return &copied, nil
}

func (s *TicketStore) Put(ctx context.Context, ticket *models.GoldenTicket) error {
	if ticket == nil || ticket.Domain == "" {
		return fmt.Errorf("ticket requires a domain")
	}

	copied := *ticket
	copied.ClampTTL(s.maxTTL)

	s.mu.Lock()
	s.tickets[strings.ToLower(copied.Domain)] = &copied
	s.mu.Unlock()
	return nil
}

func (s *TicketStore) Delete(ctx context.Context, domain string) error {
	s.mu.Lock()
	delete(s.tickets, strings.ToLower(domain))
	s.mu.Unlock()
	return nil
}

func (s *TicketStore) Domains(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	domains := make([]string, 0, len(s.tickets))
	for domain := range s.tickets {
		domains = append(domains, domain)
	}
	return domains, nil
}

func (s *TicketStore) Extend(ctx context.Context, domain string, delta time.Duration) error {
	key := strings.ToLower(domain)

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[key]
	if !ok {
		return fmt.Errorf("no ticket for domain %s", domain)
	}
	ticket.TTLSeconds += int(delta.Seconds())
	ticket.ClampTTL(s.maxTTL)
	return nil
}
