package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsFromEmptyEnv(t *testing.T) {
	cfg, err := LoadFrom("", EnvMap{})
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Schedule.RetryDelay)
	assert.Equal(t, 24*time.Hour, cfg.Schedule.PollDelay)
	assert.Equal(t, cfg.Schedule.RetryDelay, cfg.Schedule.PlaceholderDelay, "placeholder delay defaults to retry delay")
	assert.Equal(t, cfg.Schedule.PollDelay, cfg.Schedule.RunOnceSleep, "run once sleep defaults to poll delay")
	assert.Equal(t, 2*time.Second, cfg.Schedule.RequestDelay)
	assert.Equal(t, "1", cfg.Etherscan.ChainID)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, ":3000", cfg.API.Addr)
	assert.False(t, cfg.Watch.Ready(), "empty key/address must not be ready")
}

func TestEnvOverrides(t *testing.T) {
	env := EnvMap{
		"ETHERSCAN_API_KEY":    "ABC123",
		"WATCH_ADDRESS":        "0x00000000000000000000000000000000000000aa",
		"ETH_CHAIN_ID":         "10",
		"ETHERSCAN_CHAIN_ID":   "137",
		"RETRY_DELAY_MS":       "500",
		"POLL_DELAY_MS":        "60000",
		"REQUEST_DELAY_MS":     "0",
		"RUN_ONCE":             "TRUE",
		"PGPORT":               "6543",
		"PORT":                 "8081",
		"STORE_DRIVER":         "sqlite",
		"SQLITE_PATH":          "/tmp/x.db",
		"CACHE_TTL":            "5s",
		"ETHERSCAN_RPS":        "4.5",
		"ETHERSCAN_TIMEOUT_MS": "1500",
	}
	cfg, err := LoadFrom("", env)
	require.NoError(t, err)

	assert.True(t, cfg.Watch.Ready())
	assert.Equal(t, "137", cfg.Etherscan.ChainID, "ETHERSCAN_CHAIN_ID wins")
	assert.Equal(t, 500*time.Millisecond, cfg.Schedule.RetryDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Schedule.PlaceholderDelay)
	assert.Zero(t, cfg.Schedule.RequestDelay, "explicit zero request delay is kept")
	assert.True(t, cfg.Schedule.RunOnce)
	assert.Equal(t, time.Minute, cfg.Schedule.RunOnceSleep)
	assert.Equal(t, 6543, cfg.Store.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/x.db", cfg.Store.Path)
	assert.Equal(t, ":8081", cfg.API.Addr)
	assert.Equal(t, 5*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 4.5, cfg.Etherscan.RPS)
	assert.Equal(t, 1500*time.Millisecond, cfg.Etherscan.Timeout)
}

func TestZeroDormancyIsRaisedToFloor(t *testing.T) {
	cfg, err := LoadFrom("", EnvMap{
		"RETRY_DELAY_MS":       "0",
		"PLACEHOLDER_DELAY_MS": "0",
		"POLL_DELAY_MS":        "0",
		"REQUEST_DELAY_MS":     "0",
	})
	require.NoError(t, err)

	assert.Equal(t, MinDormancy, cfg.Schedule.RetryDelay)
	assert.Equal(t, MinDormancy, cfg.Schedule.PlaceholderDelay)
	assert.Equal(t, MinDormancy, cfg.Schedule.PollDelay)
	assert.Equal(t, 24*time.Hour, cfg.Schedule.RunOnceSleep, "zero poll delay still sleeps a day after a single run")
	assert.Zero(t, cfg.Schedule.RequestDelay)

	cfg, err = LoadFrom("", EnvMap{"RETRY_DELAY_MS": "1"})
	require.NoError(t, err)
	assert.Equal(t, MinDormancy, cfg.Schedule.RetryDelay)
	assert.Equal(t, MinDormancy, cfg.Schedule.PlaceholderDelay)
}

func TestPlaceholderPredicates(t *testing.T) {
	keys := map[string]bool{
		"":                   true,
		"   ":                true,
		"PUT_YOUR_KEY_HERE":  true,
		"put_key":            true,
		"YourApiKeyToken":    true,
		"yourapikeytokenXYZ": true,
		"ABCDEF123":          false,
	}
	for k, want := range keys {
		assert.Equal(t, want, IsPlaceholderKey(k), "IsPlaceholderKey(%q)", k)
	}

	addrs := map[string]bool{
		"":                      true,
		"0xYourEthereumAddress": true,
		"0xyourethereumaddress": true,
		"0x00000000000000000000000000000000000000aa": false,
	}
	for a, want := range addrs {
		assert.Equal(t, want, IsPlaceholderAddress(a), "IsPlaceholderAddress(%q)", a)
	}
}

func TestPlaceholderIsNotALoadError(t *testing.T) {
	cfg, err := LoadFrom("", EnvMap{
		"ETHERSCAN_API_KEY": "YourApiKeyToken",
		"WATCH_ADDRESS":     "0xYourEthereumAddress",
	})
	require.NoError(t, err, "placeholders should load")
	assert.False(t, cfg.Watch.Ready())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		env  EnvMap
	}{
		{"bad_address", EnvMap{"WATCH_ADDRESS": "0x1234"}},
		{"bad_delay", EnvMap{"RETRY_DELAY_MS": "soon"}},
		{"negative_delay", EnvMap{"POLL_DELAY_MS": "-1"}},
		{"bad_driver", EnvMap{"STORE_DRIVER": "oracle"}},
		{"bad_chain", EnvMap{"ETHERSCAN_CHAIN_ID": "mainnet"}},
		{"bad_port", EnvMap{"PGPORT": "99999"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom("", tt.env)
			assert.Error(t, err)
		})
	}
}

// chdir switches the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestMissingDefaultConfigFallsBackToEnv(t *testing.T) {
	tmp := t.TempDir()
	chdir(t, tmp)

	cfg, err := LoadFrom(DefaultPath, EnvMap{
		"ETHERSCAN_API_KEY": "ABC123",
		"WATCH_ADDRESS":     "0x00000000000000000000000000000000000000aa",
		"STORE_DRIVER":      "sqlite",
	})
	require.NoError(t, err, "absent default config file must not fail startup")
	assert.True(t, cfg.Watch.Ready())
	assert.Equal(t, "sqlite", cfg.Store.Driver)

	cfg, err = LoadFrom(DefaultPath, EnvMap{})
	require.NoError(t, err)
	assert.False(t, cfg.Watch.Ready(), "env-only placeholders load but stay dormant")

	_, err = LoadFrom(filepath.Join(tmp, "other.yaml"), EnvMap{})
	assert.ErrorContains(t, err, "read config", "an explicit missing path still fails")
}

func TestDefaultConfigIsReadWhenPresent(t *testing.T) {
	tmp := t.TempDir()
	chdir(t, tmp)
	require.NoError(t, os.WriteFile(DefaultPath, []byte("etherscan:\n  chain_id: \"10\"\n"), 0o644))

	cfg, err := LoadFrom(DefaultPath, EnvMap{})
	require.NoError(t, err)
	assert.Equal(t, "10", cfg.Etherscan.ChainID)
}

func TestLoadYAMLInterpolatesEnv(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")

	cfgYAML := `
etherscan:
  base_url: https://api.basescan.org
  chain_id: "8453"
  timeout: 5s
watch:
  api_key: ${SCAN_KEY}
  address: "0x00000000000000000000000000000000000000aa"
schedule:
  poll_delay: 1h
  request_delay: 250ms
store:
  driver: sqlite
  path: ${DATA_DIR}/tokens.db
sinks:
  - id: hook
    type: webhook
    url: https://hooks.example.test
  - id: bus
    type: kafka
    brokers: ["localhost:9092"]
    topic: erc20-transfers
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o644))

	cfg, err := LoadFrom(cfgPath, EnvMap{"SCAN_KEY": "REALKEY", "DATA_DIR": "/var/lib/tokenwatch"})
	require.NoError(t, err)

	assert.Equal(t, "REALKEY", cfg.Watch.APIKey)
	assert.True(t, cfg.Watch.Ready())
	assert.Equal(t, "/var/lib/tokenwatch/tokens.db", cfg.Store.Path)
	assert.Equal(t, time.Hour, cfg.Schedule.PollDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Schedule.RequestDelay)
	assert.Equal(t, 10*time.Second, cfg.Schedule.RetryDelay, "unset yaml keys keep defaults")
	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, "POST", cfg.Sinks[0].Method)
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("watch:\n  api_key: ${SCAN_KEY}\n"), 0o644))

	_, err := LoadFrom(cfgPath, EnvMap{})
	assert.Error(t, err)
}

func TestSinkValidation(t *testing.T) {
	tests := []struct {
		sink Sink
		ok   bool
	}{
		{Sink{ID: "a", Type: "slack", WebhookURL: "https://x"}, true},
		{Sink{ID: "a", Type: "slack"}, false},
		{Sink{ID: "a", Type: "kafka", Brokers: []string{"b:9092"}}, false},
		{Sink{ID: "a", Type: "kafka", Brokers: []string{"b:9092"}, Topic: "t"}, true},
		{Sink{ID: "a", Type: "pager"}, false},
		{Sink{Type: "webhook", URL: "https://x"}, false},
	}
	for i, tt := range tests {
		err := tt.sink.Validate()
		if tt.ok {
			assert.NoError(t, err, "case %d", i)
		} else {
			assert.Error(t, err, "case %d", i)
		}
	}
}
