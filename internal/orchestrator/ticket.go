package orchestrator

import "github.com/ternarybob/venator/internal/models"

// injectTicket merges a golden ticket into the fetch options. Explicit
// per-request cookies win over harvested ones. Returns the names of the
// cookies actually injected so they can be stripped on invalidation.
func injectTicket(opts *models.FetchOptions, ticket *models.GoldenTicket) []string {
	if opts.ExtraCookies == nil {
		opts.ExtraCookies = make(map[string]string, len(ticket.Cookies))
	}

	var injected []string
	for _, cookie := range ticket.Cookies {
		if _, exists := opts.ExtraCookies[cookie.Name]; exists {
			continue
		}
		opts.ExtraCookies[cookie.Name] = cookie.Value
		injected = append(injected, cookie.Name)
	}

	// The harvested user agent must replay exactly: cf_clearance is bound
	// to the fingerprint it was issued against.
	if len(injected) > 0 && ticket.UserAgent != "" {
		opts.UserAgent = ticket.UserAgent
	}
	return injected
}

// stripCookies removes previously injected ticket cookies from the
// options so later tiers do not replay a rejected session.
func stripCookies(opts *models.FetchOptions, names []string) {
	for _, name := range names {
		delete(opts.ExtraCookies, name)
	}
}
