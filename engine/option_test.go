package engine_test

import (
	"testing"

	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOption(t *testing.T) {
	assert.NoError(t, engine.ValidateOption(engine.OptionLines, 1))
	assert.NoError(t, engine.ValidateOption(engine.OptionLines, engine.LinesMax))
	assert.True(t, commons.IsConfigurationError(engine.ValidateOption(engine.OptionLines, 0)))
	assert.True(t, commons.IsConfigurationError(engine.ValidateOption(engine.OptionLines, engine.LinesMax+1)))

	assert.NoError(t, engine.ValidateOption(engine.OptionThreads, 4))
	assert.True(t, commons.IsConfigurationError(engine.ValidateOption(engine.OptionThreads, 0)))

	assert.NoError(t, engine.ValidateOption(engine.OptionHash, 16))
	assert.NoError(t, engine.ValidateOption(engine.OptionHash, 1024))
	assert.True(t, commons.IsConfigurationError(engine.ValidateOption(engine.OptionHash, 8)))
	assert.True(t, commons.IsConfigurationError(engine.ValidateOption(engine.OptionHash, 48)))
	assert.True(t, commons.IsConfigurationError(engine.ValidateOption(engine.OptionHash, 8192)))

	assert.True(t, commons.IsConfigurationError(engine.ValidateOption(engine.OptionName("Ponder"), 1)))
}

func TestParseOptionName(t *testing.T) {
	name, err := engine.ParseOptionName("lines")
	require.NoError(t, err)
	assert.Equal(t, engine.OptionLines, name)

	name, err = engine.ParseOptionName("Hash")
	require.NoError(t, err)
	assert.Equal(t, engine.OptionHash, name)

	_, err = engine.ParseOptionName("Contempt")
	assert.True(t, commons.IsConfigurationError(err))
}

func TestOptionsCommands(t *testing.T) {
	options := engine.Options{Lines: 2, Threads: 0, HashMB: 64}
	assert.Equal(t, []string{
		"setoption name MultiPV value 2",
		"setoption name Hash value 64",
	}, options.Commands())

	updated := options.With(engine.OptionThreads, 4).With(engine.OptionLines, 3)
	assert.Equal(t, []string{
		"setoption name MultiPV value 3",
		"setoption name Threads value 4",
	}, updated.Diff(options))

	assert.Equal(t, []engine.OptionName{engine.OptionLines, engine.OptionHash, engine.OptionThreads}, engine.OptionOrder())
}
