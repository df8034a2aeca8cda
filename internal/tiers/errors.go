// Package tiers implements the fetch strategy ladder: plain HTTP,
// warm-session HTTP, and the browser tiers, all behind the TierExecutor
// contract.
package tiers

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/ternarybob/venator/internal/models"
)

// classifyNetError maps a transport error onto the closed error enum.
// DNS and connection-refused failures are terminal for the whole ladder,
// so the distinction matters more here than anywhere else.
func classifyNetError(err error) models.ErrorType {
	if err == nil {
		return models.ErrorNone
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return models.ErrorTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrorTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return models.ErrorDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return models.ErrorConnectionRefused
	}

	var certErr *tls.CertificateVerificationError
	var hostErr x509.HostnameError
	var authErr x509.UnknownAuthorityError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) ||
		errors.As(err, &authErr) || errors.As(err, &recordErr) {
		return models.ErrorSSL
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrorTimeout
	}

	// url.Error wraps the transport error with its own text; check the
	// message as a last resort for error types that do not survive wrapping.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return models.ErrorDNS
	case strings.Contains(msg, "connection refused"):
		return models.ErrorConnectionRefused
	case strings.Contains(msg, "certificate") || strings.Contains(msg, "tls") || strings.Contains(msg, "x509"):
		return models.ErrorSSL
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return models.ErrorTimeout
	}

	return models.ErrorNetwork
}
