package commons

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/chessdojo/enginepool/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferWriteCloser struct {
	bytes.Buffer
	closed bool
}

func (writer *bufferWriteCloser) Close() error {
	writer.closed = true
	return nil
}

func newHandOffConfig() *commons.Config {
	config := commons.NewDefaultConfig()
	config.Engines = []commons.EngineConfig{{Name: "sf", Path: "/usr/bin/stockfish", Workers: 2}}
	config.ServiceEndpoint = "unix:///tmp/enginepool.sock"
	return config
}

func TestParentProcessSendConfigViaSTDIN(t *testing.T) {
	config := newHandOffConfig()

	childStdin := &bufferWriteCloser{}
	childStdout := io.NopCloser(strings.NewReader("starting\n" + InterProcessCommunicationFinishSuccess + "\n"))

	require.NoError(t, ParentProcessSendConfigViaSTDIN(config, childStdin, childStdout))
	assert.True(t, childStdin.closed)

	received, err := commons.NewConfigFromYAML(childStdin.Bytes())
	require.NoError(t, err)
	assert.Equal(t, config.ServiceEndpoint, received.ServiceEndpoint)
	require.Len(t, received.Engines, 1)
	assert.Equal(t, "sf", received.Engines[0].Name)
	assert.Equal(t, 2, received.Engines[0].Workers)
}

func TestParentProcessSendConfigViaSTDINChildFailure(t *testing.T) {
	childStdout := io.NopCloser(strings.NewReader(InterProcessCommunicationFinishError + "\n"))
	err := ParentProcessSendConfigViaSTDIN(newHandOffConfig(), &bufferWriteCloser{}, childStdout)
	assert.Error(t, err)

	// the child exited without a report
	childStdout = io.NopCloser(strings.NewReader("panic: boom\n"))
	err = ParentProcessSendConfigViaSTDIN(newHandOffConfig(), &bufferWriteCloser{}, childStdout)
	assert.Error(t, err)
}
