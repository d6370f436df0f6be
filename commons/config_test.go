package commons

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigFromYAML(t *testing.T) {
	yamlBytes := []byte(`
service_endpoint: tcp://0.0.0.0:15000
engines:
  - name: stockfish
    path: /usr/games/stockfish
    workers: 2
    init_commands:
      - setoption name UCI_ShowWDL value true
engine_idle_timeout: 45m
job_timeout: 90
eval_cache:
  path: /var/cache/enginepool/evals.db
  max_bytes: 1000
  eviction_fraction: 0.5
`)

	config, err := NewConfigFromYAML(yamlBytes)
	require.NoError(t, err)

	assert.Equal(t, "tcp://0.0.0.0:15000", config.ServiceEndpoint)
	require.Len(t, config.Engines, 1)
	assert.Equal(t, "stockfish", config.Engines[0].Name)
	assert.Equal(t, 2, config.Engines[0].Workers)
	assert.Equal(t, []string{"setoption name UCI_ShowWDL value true"}, config.Engines[0].InitCommands)
	assert.Equal(t, 45*time.Minute, time.Duration(config.EngineIdleTimeout))
	assert.Equal(t, 90*time.Second, time.Duration(config.JobTimeout))
	assert.Equal(t, int64(1000), config.EvalCache.MaxBytes)
	assert.Equal(t, 0.5, config.EvalCache.EvictionFraction)

	// untouched sections keep defaults
	assert.Equal(t, CloudCacheSizeMaxDefault, config.CloudCache.MaxBytes)
	assert.Equal(t, DefaultDepth, config.DefaultDepth)

	require.NoError(t, config.Validate())
}

func TestNewConfigFromENV(t *testing.T) {
	t.Setenv("ENGINEPOOL_ENGINE_PATH", "/opt/engines/stockfish-18")
	t.Setenv("ENGINEPOOL_DEFAULT_DEPTH", "24")
	t.Setenv("ENGINEPOOL_JOB_TIMEOUT", "2m")
	t.Setenv("ENGINEPOOL_EVAL_CACHE_MAX_BYTES", "4096")

	config, err := NewConfigFromENV(nil)
	require.NoError(t, err)

	require.Len(t, config.Engines, 1)
	assert.Equal(t, "stockfish-18", config.Engines[0].Name)
	assert.Equal(t, 24, config.DefaultDepth)
	assert.Equal(t, 2*time.Minute, time.Duration(config.JobTimeout))
	assert.Equal(t, int64(4096), config.EvalCache.MaxBytes)
}

func TestConfigValidate(t *testing.T) {
	config := NewDefaultConfig()
	err := config.Validate()
	assert.True(t, IsConfigurationError(err), "no engines must be rejected")

	config.Engines = []EngineConfig{
		{Name: "stockfish", Path: "/usr/games/stockfish"},
		{Name: "stockfish", Path: "/usr/local/bin/stockfish"},
	}
	assert.True(t, IsConfigurationError(config.Validate()), "duplicated engines must be rejected")

	config.Engines = config.Engines[:1]
	require.NoError(t, config.Validate())

	config.EvalCache.EvictionFraction = 1.5
	assert.True(t, IsConfigurationError(config.Validate()))

	config.EvalCache.EvictionFraction = 0.2
	config.ServiceEndpoint = "http://localhost:1234"
	assert.True(t, IsConfigurationError(config.Validate()))
}

func TestParsePoolServiceEndpoint(t *testing.T) {
	scheme, addr, err := ParsePoolServiceEndpoint("tcp://localhost:12030")
	require.NoError(t, err)
	assert.Equal(t, "tcp", scheme)
	assert.Equal(t, "localhost:12030", addr)

	scheme, addr, err = ParsePoolServiceEndpoint("unix:///tmp/enginepool.sock")
	require.NoError(t, err)
	assert.Equal(t, "unix", scheme)
	assert.Equal(t, "/tmp/enginepool.sock", addr)

	scheme, addr, err = ParsePoolServiceEndpoint("localhost:12030")
	require.NoError(t, err)
	assert.Equal(t, "tcp", scheme)
	assert.Equal(t, "localhost:12030", addr)

	_, _, err = ParsePoolServiceEndpoint("ftp://localhost")
	assert.Error(t, err)
}
