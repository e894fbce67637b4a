package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
[database]
[database.write]
hosts = ["localhost"]
user = "rolo"
password = "secret"
name = "rolo"
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost"}, cfg.Database.Write.Hosts)
	assert.Nil(t, cfg.Database.Read)

	// Defaults kick in for everything unset.
	assert.Equal(t, 4, cfg.Queue.GetWorkers())
	assert.Equal(t, 5, cfg.Queue.GetMaxAttempts())
	lease, err := cfg.Queue.GetLeaseTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, lease)

	window, err := cfg.Sync.GetInitialWindow()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, window)

	debounce, err := cfg.Sync.GetStatsDebounce()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, debounce)
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[logging]
output = "stdout"
format = "json"
level = "debug"

[database]
query_timeout = "10s"
[database.write]
hosts = ["db1", "db2"]
port = "5433"
user = "rolo"
password = "secret"
name = "rolo"
[database.read]
hosts = ["replica1"]
user = "rolo_ro"
password = "secret"
name = "rolo"

[queue]
workers = 8
lease_timeout = "2m"
max_attempts = 3

[sync]
poll_interval = "90s"
page_size = 50
initial_window = "7d"
rate_per_account = 2.5

[http]
start = true
addr = ":9000"
api_key = "k"
`))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.GetWorkers())
	assert.Equal(t, 3, cfg.Queue.GetMaxAttempts())
	assert.Equal(t, 50, cfg.Sync.GetPageSize())
	assert.Equal(t, 2.5, cfg.Sync.GetRatePerAccount())
	assert.Equal(t, ":9000", cfg.HTTP.GetAddr())

	poll, err := cfg.Sync.GetPollInterval()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, poll)

	window, err := cfg.Sync.GetInitialWindow()
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, window)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing write section", `[database]`},
		{"empty write hosts", `
[database.write]
hosts = []
name = "rolo"
`},
		{"missing db name", `
[database.write]
hosts = ["localhost"]
`},
		{"bad duration", minimalConfig + `
[queue]
lease_timeout = "soon"
`},
		{"bad cache size", minimalConfig + `
[cache]
capacity = "huge"
`},
		{"http without api key", minimalConfig + `
[http]
start = true
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	for input, want := range map[string]int64{
		"1gb":   1 << 30,
		"5mb":   5 << 20,
		"512kb": 512 << 10,
		"100b":  100,
		"42":    42,
	} {
		got, err := parseSize(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	for _, bad := range []string{"", "huge", "-1mb"} {
		_, err := parseSize(bad)
		assert.Error(t, err, bad)
	}
}
