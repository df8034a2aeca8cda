package badger

import (
	"context"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

const ticketKeyPrefix = "ticket:"

// TicketStore implements the TicketStore interface on raw badger keys with
// entry TTLs. Expiry is enforced twice: badger evicts the key after the
// TTL, and reads check the ticket's own deadline in case eviction lags.
type TicketStore struct {
	db     *BadgerDB
	logger arbor.ILogger
	maxTTL time.Duration
}

// NewTicketStore creates a new TicketStore instance
func NewTicketStore(db *BadgerDB, logger arbor.ILogger, maxTTL time.Duration) interfaces.TicketStore {
	return &TicketStore{
		db:     db,
		logger: logger,
		maxTTL: maxTTL,
	}
}

func ticketKey(domain string) []byte {
	return []byte(ticketKeyPrefix + strings.ToLower(domain))
}

// Get returns the ticket for a domain, or nil when absent or expired.
func (s *TicketStore) Get(ctx context.Context, domain string) (*models.GoldenTicket, error) {
	var ticket *models.GoldenTicket

	err := s.db.DB().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(ticketKey(domain))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			t, err := models.TicketFromJSON(val)
			if err != nil {
				return err
			}
			ticket = t
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket for %s: %w", domain, err)
	}

	if ticket == nil {
		return nil, nil
	}
	if ticket.IsExpired() {
		// Stale entry badger has not evicted yet
		if err := s.Delete(ctx, domain); err != nil {
			s.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to delete expired ticket")
		}
		return nil, nil
	}

	return ticket, nil
}

// Put stores a ticket under its domain, clamped to the store's max TTL.
func (s *TicketStore) Put(ctx context.Context, ticket *models.GoldenTicket) error {
	if ticket == nil || ticket.Domain == "" {
		return fmt.Errorf("ticket requires a domain")
	}

	ticket.ClampTTL(s.maxTTL)
	data, err := ticket.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize ticket: %w", err)
	}

	ttl := time.Until(ticket.ExpiresAt())
	if ttl <= 0 {
		return fmt.Errorf("ticket for %s is already expired", ticket.Domain)
	}

	err = s.db.DB().Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(ticketKey(ticket.Domain), []byte(data)).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to store ticket for %s: %w", ticket.Domain, err)
	}

	s.logger.Debug().
		Str("domain", ticket.Domain).
		Int("cookies", len(ticket.Cookies)).
		Int("ttl_seconds", ticket.TTLSeconds).
		Msg("Stored golden ticket")
	return nil
}

// Delete removes a domain's ticket. Deleting a missing key is a no-op.
func (s *TicketStore) Delete(ctx context.Context, domain string) error {
	err := s.db.DB().Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(ticketKey(domain))
	})
	if err != nil {
		return fmt.Errorf("failed to delete ticket for %s: %w", domain, err)
	}
	return nil
}

// Domains lists all domains with a stored ticket.
func (s *TicketStore) Domains(ctx context.Context) ([]string, error) {
	var domains []string

	err := s.db.DB().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(ticketKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			domains = append(domains, strings.TrimPrefix(key, ticketKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket domains: %w", err)
	}

	return domains, nil
}

// Extend lengthens a ticket's TTL by delta, clamped so the total lifetime
// never exceeds the store's max TTL from harvest time.
func (s *TicketStore) Extend(ctx context.Context, domain string, delta time.Duration) error {
	ticket, err := s.Get(ctx, domain)
	if err != nil {
		return err
	}
	if ticket == nil {
		return fmt.Errorf("no ticket for domain %s", domain)
	}

	ticket.TTLSeconds += int(delta.Seconds())
	ticket.ClampTTL(s.maxTTL)

	return s.Put(ctx, ticket)
}
