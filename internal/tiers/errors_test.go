package tiers

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/ternarybob/venator/internal/models"
)

func TestClassifyNetError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorType
	}{
		{"nil", nil, models.ErrorNone},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, models.ErrorDNS},
		{
			"dns wrapped in url error",
			&url.Error{Op: "Get", URL: "http://nope.invalid", Err: &net.DNSError{Err: "no such host", Name: "nope.invalid"}},
			models.ErrorDNS,
		},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, models.ErrorConnectionRefused},
		{"deadline", context.DeadlineExceeded, models.ErrorTimeout},
		{
			"deadline wrapped",
			&url.Error{Op: "Get", URL: "http://slow.example", Err: context.DeadlineExceeded},
			models.ErrorTimeout,
		},
		{"tls by message", errors.New("x509: certificate signed by unknown authority"), models.ErrorSSL},
		{"opaque", errors.New("read: connection reset by peer"), models.ErrorNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyNetError(tt.err); got != tt.want {
				t.Errorf("classifyNetError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestFailFastErrorsNeverEscalate(t *testing.T) {
	for _, errType := range []models.ErrorType{models.ErrorDNS, models.ErrorConnectionRefused} {
		result := models.Failure(models.TierRequest, errType, "boom")
		if result.ShouldEscalate {
			t.Errorf("%s failure should not escalate", errType)
		}
	}
	result := models.Failure(models.TierRequest, models.ErrorBlocked, "blocked")
	if !result.ShouldEscalate {
		t.Error("blocked failure should escalate")
	}
}
