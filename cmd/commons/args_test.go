package commons

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chessdojo/enginepool/commons"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEngineArgument(t *testing.T) {
	engineConfig, err := ParseEngineArgument("sf=/usr/local/bin/stockfish")
	require.NoError(t, err)
	assert.Equal(t, "sf", engineConfig.Name)
	assert.Equal(t, "/usr/local/bin/stockfish", engineConfig.Path)

	engineConfig, err = ParseEngineArgument("/usr/local/bin/stockfish")
	require.NoError(t, err)
	assert.Equal(t, "stockfish", engineConfig.Name)

	engineConfig, err = ParseEngineArgument(`C:\engines\lc0.exe`)
	require.NoError(t, err)
	assert.Equal(t, "lc0", engineConfig.Name)

	_, err = ParseEngineArgument("")
	assert.True(t, commons.IsConfigurationError(err))

	_, err = ParseEngineArgument("sf=")
	assert.True(t, commons.IsConfigurationError(err))
}

func newServiceCommand() *cobra.Command {
	command := &cobra.Command{Use: "enginepool"}
	SetCommonFlags(command)
	return command
}

func TestProcessCommonFlags(t *testing.T) {
	command := newServiceCommand()
	require.NoError(t, command.Flags().Parse([]string{
		"--engine", "sf=/usr/bin/stockfish",
		"--engine", "/usr/bin/lc0",
		"--workers", "3",
		"--endpoint", "unix:///tmp/enginepool.sock",
		"--eval_cache", "-",
		"--cloud",
		"-f",
	}))

	config, logWriter, cont, err := ProcessCommonFlags(command)
	require.NoError(t, err)
	assert.Nil(t, logWriter)
	assert.True(t, cont)

	require.Len(t, config.Engines, 2)
	assert.Equal(t, "sf", config.Engines[0].Name)
	assert.Equal(t, "lc0", config.Engines[1].Name)
	assert.Equal(t, 3, config.Engines[1].Workers)
	assert.Equal(t, "unix:///tmp/enginepool.sock", config.ServiceEndpoint)
	assert.Empty(t, config.EvalCache.Path)
	assert.True(t, config.Cloud.Enabled)
	assert.True(t, config.Foreground)
}

func TestProcessCommonFlagsFromConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
service_endpoint: localhost:13030
engines:
  - name: sf
    path: /usr/bin/stockfish
default_depth: 24
`), 0600))

	command := newServiceCommand()
	require.NoError(t, command.Flags().Parse([]string{"--config", configPath, "--debug"}))

	config, _, cont, err := ProcessCommonFlags(command)
	require.NoError(t, err)
	assert.True(t, cont)
	assert.Equal(t, "localhost:13030", config.ServiceEndpoint)
	assert.Equal(t, 24, config.DefaultDepth)
	assert.True(t, config.Debug)
}

func TestProcessCommonFlagsWithoutEngine(t *testing.T) {
	command := newServiceCommand()
	require.NoError(t, command.Flags().Parse([]string{}))

	_, _, cont, err := ProcessCommonFlags(command)
	assert.False(t, cont)
	assert.True(t, commons.IsConfigurationError(err))
}

func TestProcessClientFlags(t *testing.T) {
	command := &cobra.Command{Use: "stats"}
	SetClientFlags(command)
	require.NoError(t, command.Flags().Parse([]string{"--endpoint", "tcp://localhost:14030", "-t", "5s"}))

	endpoint, timeout, err := ProcessClientFlags(command)
	require.NoError(t, err)
	assert.Equal(t, "tcp://localhost:14030", endpoint)
	assert.Equal(t, 5*time.Second, timeout)

	command = &cobra.Command{Use: "stats"}
	SetClientFlags(command)
	require.NoError(t, command.Flags().Parse([]string{"--endpoint", "ftp://localhost"}))

	_, _, err = ProcessClientFlags(command)
	assert.Error(t, err)
}
