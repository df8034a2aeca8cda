package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/venator/internal/models"
)

// TicketStore maps a domain to at most one GoldenTicket. Writes overwrite;
// reads return nil for missing or expired tickets (expiry is enforced at
// read time even if the store's TTL mechanism has not evicted yet).
// Shared across workers: badger-backed in the standard deployment,
// in-memory for tests.
type TicketStore interface {
	// Get returns the ticket for a domain, or nil when absent or expired.
	Get(ctx context.Context, domain string) (*models.GoldenTicket, error)

	// Put stores a ticket under its domain, overwriting any previous one.
	Put(ctx context.Context, ticket *models.GoldenTicket) error

	// Delete removes a domain's ticket. Deleting a missing key is a no-op.
	Delete(ctx context.Context, domain string) error

	// Domains lists all domains with a stored (possibly expired) ticket.
	Domains(ctx context.Context) ([]string, error)

	// Extend lengthens a ticket's TTL by delta, clamped to the store's
	// configured maximum.
	Extend(ctx context.Context, domain string, delta time.Duration) error
}

// LockStore provides SET-IF-NOT-EXISTS locks with TTL, used for atomic
// CAPTCHA task assignment across workers.
type LockStore interface {
	// Acquire takes the lock for key on behalf of owner. Returns false
	// when another owner holds a non-expired lock.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release drops the lock if held by owner.
	Release(ctx context.Context, key, owner string) error

	// Holder returns the current lock owner, or "" when unheld/expired.
	Holder(ctx context.Context, key string) (string, error)
}
