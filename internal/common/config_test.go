package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.TierRequestTimeout())
	assert.Equal(t, 60*time.Second, cfg.TierBrowserTimeout())
	assert.Equal(t, 25*time.Minute, cfg.TicketDefaultTTL())
	assert.Equal(t, 30*time.Minute, cfg.TicketMaxTTL())
	assert.Equal(t, 2*time.Minute, cfg.HITLAdminTimeout())
	assert.Equal(t, 5*time.Minute, cfg.HITLSolveTimeout())
}

func TestLoadFromFilesOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "venator.toml")
	content := `
[server]
port = 9090

[tiers]
request_timeout = "10s"
disabled = ["warm_http"]

[tickets]
default_ttl = "20m"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.TierRequestTimeout())
	assert.Equal(t, 20*time.Minute, cfg.TicketDefaultTTL())
	assert.True(t, cfg.TierDisabled("warm_http"))
	assert.False(t, cfg.TierDisabled("browser"))

	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Queue.Concurrency)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("VENATOR_SERVER_PORT", "7171")
	t.Setenv("VENATOR_TIERS_DISABLED", "warm_http, stealth_browser")

	cfg, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, 7171, cfg.Server.Port)
	assert.True(t, cfg.TierDisabled("warm_http"))
	assert.True(t, cfg.TierDisabled("stealth_browser"))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Tiers.RequestTimeout = "soon"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Tickets.DefaultTTL = "45m" // exceeds max_ttl
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Captcha.SweepSchedule = "whenever"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.HITL.JPEGQuality = 0
	assert.Error(t, cfg.Validate())
}
