package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the immutable process configuration, built once at startup.
type Config struct {
	Etherscan Etherscan `yaml:"etherscan"`
	Watch     Watch     `yaml:"watch"`
	Schedule  Schedule  `yaml:"schedule"`
	Store     Store     `yaml:"store"`
	API       API       `yaml:"api"`
	Cache     Cache     `yaml:"cache"`
	Tracing   Tracing   `yaml:"tracing"`
	Sinks     []Sink    `yaml:"sinks"`
}

type Etherscan struct {
	BaseURL string        `yaml:"base_url"`
	ChainID string        `yaml:"chain_id"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps"`
}

// Watch holds the credential and the single watched address. Either may be a
// placeholder, in which case the scheduler waits instead of syncing.
type Watch struct {
	APIKey  string `yaml:"api_key"`
	Address string `yaml:"address"`
}

type Schedule struct {
	RetryDelay       time.Duration `yaml:"retry_delay"`
	PollDelay        time.Duration `yaml:"poll_delay"`
	PlaceholderDelay time.Duration `yaml:"placeholder_delay"`
	RequestDelay     time.Duration `yaml:"request_delay"`
	RunOnce          bool          `yaml:"run_once"`
	RunOnceSleep     time.Duration `yaml:"run_once_sleep"`
}

type Store struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type API struct {
	Addr string `yaml:"addr"`
}

type Cache struct {
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type Tracing struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Sink is an optional destination for newly stored transfers.
type Sink struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"`
	WebhookURL string   `yaml:"webhook_url"`
	Template   string   `yaml:"template"`
	URL        string   `yaml:"url"`
	Method     string   `yaml:"method"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	// Where holds filter expressions; all must match for a transfer to be sent.
	Where []string `yaml:"where"`
}

const (
	defaultRetryDelay   = 10 * time.Second
	defaultPollDelay    = 24 * time.Hour
	defaultRequestDelay = 2 * time.Second
	defaultTimeout      = 20 * time.Second
	defaultCacheTTL     = 30 * time.Second
)

// DefaultPath is the config file looked up when --config is not given. Its
// absence is not an error.
const DefaultPath = "config.yaml"

// MinDormancy is the shortest sleep between scheduler cycles. Smaller
// retry, placeholder and poll delays are raised to it.
const MinDormancy = 100 * time.Millisecond

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Etherscan: Etherscan{
			BaseURL: "https://api.etherscan.io",
			ChainID: "1",
			Timeout: defaultTimeout,
		},
		Schedule: Schedule{
			RetryDelay:   defaultRetryDelay,
			PollDelay:    defaultPollDelay,
			RequestDelay: defaultRequestDelay,
		},
		Store: Store{
			Driver:   "postgres",
			Path:     "tokenwatch.db",
			Host:     "postgres",
			Port:     5432,
			Database: "appdb",
			User:     "app",
			Password: "secret",
			SSLMode:  "disable",
		},
		API:   API{Addr: ":3000"},
		Cache: Cache{TTL: defaultCacheTTL},
	}
}

var (
	envPattern             = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)
	placeholderKeyPattern  = regexp.MustCompile(`(?i)^(?:PUT_|YourApiKeyToken)`)
	placeholderAddrPattern = regexp.MustCompile(`(?i)^0xYourEthereumAddress$`)
)

// IsPlaceholderKey reports whether an API key is unset or still a template value.
func IsPlaceholderKey(key string) bool {
	return strings.TrimSpace(key) == "" || placeholderKeyPattern.MatchString(key)
}

// IsPlaceholderAddress reports whether an address is unset or still a template value.
func IsPlaceholderAddress(addr string) bool {
	return strings.TrimSpace(addr) == "" || placeholderAddrPattern.MatchString(addr)
}

// Ready is true once both the key and the address are real values.
func (w Watch) Ready() bool {
	return !IsPlaceholderKey(w.APIKey) && !IsPlaceholderAddress(w.Address)
}

// Load reads an optional YAML file, applies environment overrides and
// validates. An empty path, or DefaultPath when no such file exists, means
// environment only.
func Load(path string) (Config, error) {
	return LoadFrom(path, OSEnv{})
}

// LoadFrom is Load with an explicit environment source.
func LoadFrom(path string, env EnvSource) (Config, error) {
	if env == nil {
		return Config{}, errors.New("env source is required")
	}
	cfg := Default()

	if path == DefaultPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	if path != "" {
		if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
			return Config{}, err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		interpolated, err := interpolateEnv(string(raw), env)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	} else if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	if cfg.Schedule.PlaceholderDelay == 0 {
		cfg.Schedule.PlaceholderDelay = cfg.Schedule.RetryDelay
	}
	if cfg.Schedule.RunOnceSleep == 0 {
		cfg.Schedule.RunOnceSleep = cfg.Schedule.PollDelay
		if cfg.Schedule.RunOnceSleep == 0 {
			cfg.Schedule.RunOnceSleep = defaultPollDelay
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Schedule.floor()
	return cfg, nil
}

// floor raises cycle dormancies below MinDormancy so a zero delay cannot
// spin. RequestDelay is exempt; page fetches are paced by the client.
func (s *Schedule) floor() {
	for _, d := range []*time.Duration{&s.RetryDelay, &s.PlaceholderDelay, &s.PollDelay, &s.RunOnceSleep} {
		if *d < MinDormancy {
			*d = MinDormancy
		}
	}
}

// loadDotEnv loads a .env file when present. Variables already set in the
// process environment win.
func loadDotEnv(envPath string) error {
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string, env EnvSource) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := env.Lookup(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func applyEnv(cfg *Config, env EnvSource) error {
	setString(env, "ETHERSCAN_API_KEY", &cfg.Watch.APIKey)
	setString(env, "WATCH_ADDRESS", &cfg.Watch.Address)
	setString(env, "ETHERSCAN_BASE_URL", &cfg.Etherscan.BaseURL)
	setString(env, "ETH_CHAIN_ID", &cfg.Etherscan.ChainID)
	setString(env, "ETHERSCAN_CHAIN_ID", &cfg.Etherscan.ChainID)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ETHERSCAN_TIMEOUT_MS", &cfg.Etherscan.Timeout},
		{"RETRY_DELAY_MS", &cfg.Schedule.RetryDelay},
		{"POLL_DELAY_MS", &cfg.Schedule.PollDelay},
		{"PLACEHOLDER_DELAY_MS", &cfg.Schedule.PlaceholderDelay},
		{"REQUEST_DELAY_MS", &cfg.Schedule.RequestDelay},
		{"RUN_ONCE_SLEEP_MS", &cfg.Schedule.RunOnceSleep},
	}
	for _, d := range durations {
		if err := setMillis(env, d.key, d.dst); err != nil {
			return err
		}
	}

	if raw, ok := env.Lookup("ETHERSCAN_RPS"); ok && strings.TrimSpace(raw) != "" {
		rps, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("invalid ETHERSCAN_RPS: %w", err)
		}
		cfg.Etherscan.RPS = rps
	}
	if raw, ok := env.Lookup("RUN_ONCE"); ok && raw != "" {
		cfg.Schedule.RunOnce = strings.EqualFold(strings.TrimSpace(raw), "true")
	}

	setString(env, "STORE_DRIVER", &cfg.Store.Driver)
	setString(env, "SQLITE_PATH", &cfg.Store.Path)
	setString(env, "PGHOST", &cfg.Store.Host)
	setString(env, "PGDATABASE", &cfg.Store.Database)
	setString(env, "PGUSER", &cfg.Store.User)
	setString(env, "PGPASSWORD", &cfg.Store.Password)
	setString(env, "PGSSLMODE", &cfg.Store.SSLMode)
	if raw, ok := env.Lookup("PGPORT"); ok && strings.TrimSpace(raw) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid PGPORT: %w", err)
		}
		cfg.Store.Port = port
	}

	if raw, ok := env.Lookup("PORT"); ok {
		// allow PORT=3000 or PORT=:3000
		if p := strings.TrimPrefix(strings.TrimSpace(raw), ":"); p != "" {
			cfg.API.Addr = ":" + p
		}
	}

	setString(env, "REDIS_ADDR", &cfg.Cache.RedisAddr)
	if raw, ok := env.Lookup("CACHE_TTL"); ok && strings.TrimSpace(raw) != "" {
		ttl, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid CACHE_TTL: %w", err)
		}
		cfg.Cache.TTL = ttl
	}
	setString(env, "OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.OTLPEndpoint)
	return nil
}

func setString(env EnvSource, key string, dst *string) {
	if raw, ok := env.Lookup(key); ok && strings.TrimSpace(raw) != "" {
		*dst = strings.TrimSpace(raw)
	}
}

func setMillis(env EnvSource, key string, dst *time.Duration) error {
	raw, ok := env.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

// Validate performs small, direct schema checks. Placeholder credentials are
// not an error here; they gate the scheduler instead.
func (c *Config) Validate() error {
	if c.Etherscan.BaseURL == "" {
		return errors.New("etherscan.base_url is required")
	}
	if c.Etherscan.ChainID == "" {
		return errors.New("etherscan.chain_id is required")
	}
	if _, err := strconv.ParseUint(c.Etherscan.ChainID, 10, 64); err != nil {
		return fmt.Errorf("etherscan.chain_id %q is not numeric", c.Etherscan.ChainID)
	}
	if c.Etherscan.RPS < 0 {
		return errors.New("etherscan.rps must not be negative")
	}
	if !IsPlaceholderAddress(c.Watch.Address) && !common.IsHexAddress(c.Watch.Address) {
		return fmt.Errorf("watch.address %q is not a hex address", c.Watch.Address)
	}
	if err := c.Schedule.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if c.Cache.TTL < 0 {
		return errors.New("cache.ttl must not be negative")
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}
	return nil
}

func (s *Schedule) Validate() error {
	named := map[string]time.Duration{
		"retry_delay":       s.RetryDelay,
		"poll_delay":        s.PollDelay,
		"placeholder_delay": s.PlaceholderDelay,
		"request_delay":     s.RequestDelay,
		"run_once_sleep":    s.RunOnceSleep,
	}
	for name, d := range named {
		if d < 0 {
			return fmt.Errorf("schedule.%s must not be negative", name)
		}
	}
	return nil
}

func (s *Store) Validate() error {
	switch strings.ToLower(s.Driver) {
	case "sqlite":
		if s.Path == "" {
			return errors.New("store.path is required for sqlite")
		}
	case "postgres":
		if s.Host == "" || s.Database == "" {
			return errors.New("store.host and store.database are required for postgres")
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("store.port %d out of range", s.Port)
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", s.Driver)
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	case "kafka":
		if len(s.Brokers) == 0 {
			return errors.New("brokers are required for kafka sink")
		}
		if s.Topic == "" {
			return errors.New("topic is required for kafka sink")
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
