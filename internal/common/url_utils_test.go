package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomain(t *testing.T) {
	tests := []struct {
		rawURL string
		want   string
	}{
		{"https://Example.COM/page", "example.com"},
		{"http://shop.example.co.uk:8443/cart", "shop.example.co.uk"},
		{"https://10.0.0.1/admin", "10.0.0.1"},
		{"/relative/path", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Domain(tt.rawURL), "url %q", tt.rawURL)
	}
}

func TestProfileHashStable(t *testing.T) {
	a := ProfileHash("example.com", "salt")
	b := ProfileHash("EXAMPLE.com", "salt")
	assert.Equal(t, a, b, "hash is case-insensitive on domain")
	assert.Len(t, a, 32)

	c := ProfileHash("example.com", "other-salt")
	assert.NotEqual(t, a, c, "salt changes the profile path")

	d := ProfileHash("example.org", "salt")
	assert.NotEqual(t, a, d)
}
