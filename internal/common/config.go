package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Queue       QueueConfig     `toml:"queue"`
	Storage     StorageConfig   `toml:"storage"`
	Tiers       TiersConfig     `toml:"tiers"`
	Tickets     TicketsConfig   `toml:"tickets"`
	Captcha     CaptchaConfig   `toml:"captcha"`
	HITL        HITLConfig      `toml:"hitl"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent workers
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
	JobTimeout        string `toml:"job_timeout"`        // Per-job execution deadline (default: "5m")
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// TiersConfig controls the fetch tier ladder
type TiersConfig struct {
	RequestTimeout     string   `toml:"request_timeout"`      // HTTP tier timeout (default: "30s")
	BrowserTimeout     string   `toml:"browser_timeout"`      // Browser tier navigation timeout (default: "60s")
	UserAgent          string   `toml:"user_agent"`           // Default user agent for HTTP tiers
	MaxBodySize        int      `toml:"max_body_size"`        // Maximum response body size in bytes
	RateLimitRetryWait string   `toml:"rate_limit_retry_wait"` // Wait before the single 429 retry (default: "1100ms")
	BrowserPoolSize    int      `toml:"browser_pool_size"`    // Concurrent browser contexts (default: 2)
	Headless           bool     `toml:"headless"`             // Run browsers headless (default: true)
	ProfileDir         string   `toml:"profile_dir"`          // Root directory for per-domain browser profiles
	ProfileSalt        string   `toml:"profile_salt"`         // Salt mixed into the per-domain profile hash
	ChallengeSettle    string   `toml:"challenge_settle"`     // Max wait for a JS challenge to clear in stealth tier (default: "15s")
	Disabled           []string `toml:"disabled"`             // Tier names to exclude from the ladder
}

// TicketsConfig controls golden ticket caching
type TicketsConfig struct {
	DefaultTTL string `toml:"default_ttl"` // TTL for harvested sessions (default: "25m", under Cloudflare's 30m)
	MaxTTL     string `toml:"max_ttl"`     // Hard cap on ticket lifetime including extensions (default: "30m")
}

// CaptchaConfig controls the manual-solve task board
type CaptchaConfig struct {
	TaskTTL       string `toml:"task_ttl"`       // Deadline for unsolved tasks (default: "10m")
	SweepSchedule string `toml:"sweep_schedule"` // Cron schedule for the expiry sweeper (default: every 30s)
	LockTTL       string `toml:"lock_ttl"`       // Assignment lock lifetime (default: "30s")
	SolutionWait  string `toml:"solution_wait"`  // Default WaitForSolution timeout (default: "5m")
}

// HITLConfig controls human-in-the-loop sessions
type HITLConfig struct {
	AdminConnectTimeout string `toml:"admin_connect_timeout"` // Wait for an operator to attach (default: "2m")
	SolveTimeout        string `toml:"solve_timeout"`         // Wait for the challenge to clear once attached (default: "5m")
	FrameRate           int    `toml:"frame_rate"`            // Screencast frames per second (default: 10)
	JPEGQuality         int    `toml:"jpeg_quality"`          // Screenshot JPEG quality 1-100 (default: 60)
	ViewportWidth       int    `toml:"viewport_width"`        // Browser viewport width (default: 1280)
	ViewportHeight      int    `toml:"viewport_height"`       // Browser viewport height (default: 800)
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// WebSocketConfig contains configuration for WebSocket event streaming
type WebSocketConfig struct {
	// Whitelist of event types to broadcast. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	PingInterval  string   `toml:"ping_interval"`  // Keepalive ping interval (default: "30s")
	WriteTimeout  string   `toml:"write_timeout"`  // Per-message write deadline (default: "10s")
	SendBuffer    int      `toml:"send_buffer"`    // Per-client outbound buffer (default: 64)
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in venator.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       10,
			VisibilityTimeout: "5m",
			MaxReceive:        3,
			QueueName:         "venator_jobs",
			JobTimeout:        "5m",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Tiers: TiersConfig{
			RequestTimeout:     "30s",
			BrowserTimeout:     "60s",
			UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			MaxBodySize:        10 * 1024 * 1024, // 10MB
			RateLimitRetryWait: "1100ms",         // Just over common 1s rate-limit windows
			BrowserPoolSize:    2,
			Headless:           true,
			ProfileDir:         "./data/profiles",
			ProfileSalt:        "venator",
			ChallengeSettle:    "15s",
		},
		Tickets: TicketsConfig{
			DefaultTTL: "25m", // Under the 30m cf_clearance lifetime
			MaxTTL:     "30m",
		},
		Captcha: CaptchaConfig{
			TaskTTL:       "10m",
			SweepSchedule: "*/30 * * * * *", // Every 30 seconds (cron with seconds field)
			LockTTL:       "30s",
			SolutionWait:  "5m",
		},
		HITL: HITLConfig{
			AdminConnectTimeout: "2m",
			SolveTimeout:        "5m",
			FrameRate:           10,
			JPEGQuality:         60,
			ViewportWidth:       1280,
			ViewportHeight:      800,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			AllowedEvents: []string{},
			PingInterval:  "30s",
			WriteTimeout:  "10s",
			SendBuffer:    64,
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks cross-field constraints that TOML parsing cannot
func (c *Config) Validate() error {
	durations := map[string]string{
		"queue.poll_interval":        c.Queue.PollInterval,
		"queue.visibility_timeout":   c.Queue.VisibilityTimeout,
		"queue.job_timeout":          c.Queue.JobTimeout,
		"tiers.request_timeout":      c.Tiers.RequestTimeout,
		"tiers.browser_timeout":      c.Tiers.BrowserTimeout,
		"tiers.rate_limit_retry_wait": c.Tiers.RateLimitRetryWait,
		"tiers.challenge_settle":     c.Tiers.ChallengeSettle,
		"tickets.default_ttl":        c.Tickets.DefaultTTL,
		"tickets.max_ttl":            c.Tickets.MaxTTL,
		"captcha.task_ttl":           c.Captcha.TaskTTL,
		"captcha.lock_ttl":           c.Captcha.LockTTL,
		"captcha.solution_wait":      c.Captcha.SolutionWait,
		"hitl.admin_connect_timeout": c.HITL.AdminConnectTimeout,
		"hitl.solve_timeout":         c.HITL.SolveTimeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	defaultTTL := c.TicketDefaultTTL()
	maxTTL := c.TicketMaxTTL()
	if defaultTTL > maxTTL {
		return fmt.Errorf("tickets.default_ttl (%s) exceeds tickets.max_ttl (%s)", defaultTTL, maxTTL)
	}

	if c.Captcha.SweepSchedule != "" {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Captcha.SweepSchedule); err != nil {
			return fmt.Errorf("invalid captcha.sweep_schedule %q: %w", c.Captcha.SweepSchedule, err)
		}
	}

	if c.HITL.JPEGQuality < 1 || c.HITL.JPEGQuality > 100 {
		return fmt.Errorf("hitl.jpeg_quality must be 1-100, got %d", c.HITL.JPEGQuality)
	}

	return nil
}

// Duration accessors with defaults already validated

func (c *Config) QueuePollInterval() time.Duration   { return parseDuration(c.Queue.PollInterval, time.Second) }
func (c *Config) QueueVisibility() time.Duration     { return parseDuration(c.Queue.VisibilityTimeout, 5*time.Minute) }
func (c *Config) QueueJobTimeout() time.Duration     { return parseDuration(c.Queue.JobTimeout, 5*time.Minute) }
func (c *Config) TierRequestTimeout() time.Duration  { return parseDuration(c.Tiers.RequestTimeout, 30*time.Second) }
func (c *Config) TierBrowserTimeout() time.Duration  { return parseDuration(c.Tiers.BrowserTimeout, 60*time.Second) }
func (c *Config) TierRateLimitWait() time.Duration   { return parseDuration(c.Tiers.RateLimitRetryWait, 1100*time.Millisecond) }
func (c *Config) TierChallengeSettle() time.Duration { return parseDuration(c.Tiers.ChallengeSettle, 15*time.Second) }
func (c *Config) TicketDefaultTTL() time.Duration    { return parseDuration(c.Tickets.DefaultTTL, 25*time.Minute) }
func (c *Config) TicketMaxTTL() time.Duration        { return parseDuration(c.Tickets.MaxTTL, 30*time.Minute) }
func (c *Config) CaptchaTaskTTL() time.Duration      { return parseDuration(c.Captcha.TaskTTL, 10*time.Minute) }
func (c *Config) CaptchaLockTTL() time.Duration      { return parseDuration(c.Captcha.LockTTL, 30*time.Second) }
func (c *Config) CaptchaSolutionWait() time.Duration { return parseDuration(c.Captcha.SolutionWait, 5*time.Minute) }
func (c *Config) HITLAdminTimeout() time.Duration    { return parseDuration(c.HITL.AdminConnectTimeout, 2*time.Minute) }
func (c *Config) HITLSolveTimeout() time.Duration    { return parseDuration(c.HITL.SolveTimeout, 5*time.Minute) }

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: VENATOR_ENV, fallback: GO_ENV)
	if env := os.Getenv("VENATOR_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("VENATOR_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("VENATOR_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Queue configuration
	if pollInterval := os.Getenv("VENATOR_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("VENATOR_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if visibilityTimeout := os.Getenv("VENATOR_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("VENATOR_QUEUE_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Queue.MaxReceive = mr
		}
	}
	if queueName := os.Getenv("VENATOR_QUEUE_NAME"); queueName != "" {
		config.Queue.QueueName = queueName
	}
	if jobTimeout := os.Getenv("VENATOR_QUEUE_JOB_TIMEOUT"); jobTimeout != "" {
		config.Queue.JobTimeout = jobTimeout
	}

	// Storage configuration
	if badgerPath := os.Getenv("VENATOR_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Tier configuration
	if userAgent := os.Getenv("VENATOR_TIERS_USER_AGENT"); userAgent != "" {
		config.Tiers.UserAgent = userAgent
	}
	if requestTimeout := os.Getenv("VENATOR_TIERS_REQUEST_TIMEOUT"); requestTimeout != "" {
		config.Tiers.RequestTimeout = requestTimeout
	}
	if browserTimeout := os.Getenv("VENATOR_TIERS_BROWSER_TIMEOUT"); browserTimeout != "" {
		config.Tiers.BrowserTimeout = browserTimeout
	}
	if poolSize := os.Getenv("VENATOR_TIERS_BROWSER_POOL_SIZE"); poolSize != "" {
		if ps, err := strconv.Atoi(poolSize); err == nil {
			config.Tiers.BrowserPoolSize = ps
		}
	}
	if headless := os.Getenv("VENATOR_TIERS_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Tiers.Headless = h
		}
	}
	if profileDir := os.Getenv("VENATOR_TIERS_PROFILE_DIR"); profileDir != "" {
		config.Tiers.ProfileDir = profileDir
	}
	if disabled := os.Getenv("VENATOR_TIERS_DISABLED"); disabled != "" {
		names := []string{}
		for _, n := range strings.Split(disabled, ",") {
			trimmed := strings.TrimSpace(n)
			if trimmed != "" {
				names = append(names, trimmed)
			}
		}
		config.Tiers.Disabled = names
	}

	// Ticket configuration
	if defaultTTL := os.Getenv("VENATOR_TICKETS_DEFAULT_TTL"); defaultTTL != "" {
		config.Tickets.DefaultTTL = defaultTTL
	}
	if maxTTL := os.Getenv("VENATOR_TICKETS_MAX_TTL"); maxTTL != "" {
		config.Tickets.MaxTTL = maxTTL
	}

	// Captcha configuration
	if taskTTL := os.Getenv("VENATOR_CAPTCHA_TASK_TTL"); taskTTL != "" {
		config.Captcha.TaskTTL = taskTTL
	}
	if sweepSchedule := os.Getenv("VENATOR_CAPTCHA_SWEEP_SCHEDULE"); sweepSchedule != "" {
		config.Captcha.SweepSchedule = sweepSchedule
	}

	// HITL configuration
	if adminTimeout := os.Getenv("VENATOR_HITL_ADMIN_CONNECT_TIMEOUT"); adminTimeout != "" {
		config.HITL.AdminConnectTimeout = adminTimeout
	}
	if solveTimeout := os.Getenv("VENATOR_HITL_SOLVE_TIMEOUT"); solveTimeout != "" {
		config.HITL.SolveTimeout = solveTimeout
	}

	// Logging configuration
	if level := os.Getenv("VENATOR_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("VENATOR_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("VENATOR_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// IsProduction returns true when the environment is production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// TierDisabled reports whether a tier name is excluded from the ladder
func (c *Config) TierDisabled(name string) bool {
	for _, d := range c.Tiers.Disabled {
		if strings.EqualFold(d, name) {
			return true
		}
	}
	return false
}
