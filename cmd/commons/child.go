package commons

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/chessdojo/enginepool/commons"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	InterProcessCommunicationFinishSuccess string = "<<COMPLETED>>"
	InterProcessCommunicationFinishError   string = "<<ERROR>>"
)

// nilWriter drops everything written
type nilWriter struct{}

func (writer *nilWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

// SetNilLogWriter stops logging to stderr once the parent process has gone
func SetNilLogWriter() {
	log.SetOutput(&nilWriter{})
}

// ReportChildProcessStartSuccessfully tells the parent process that the service runs
func ReportChildProcessStartSuccessfully() {
	fmt.Fprintln(os.Stdout, InterProcessCommunicationFinishSuccess)
}

// ReportChildProcessError tells the parent process that the service failed to start
func ReportChildProcessError() {
	fmt.Fprintln(os.Stdout, InterProcessCommunicationFinishError)
}

// RunChildProcess starts this executable in the background, returning its stdin and stdout
func RunChildProcess(execPath string) (io.WriteCloser, io.ReadCloser, error) {
	logger := log.WithFields(log.Fields{
		"package":  "commons",
		"function": "RunChildProcess",
	})

	cmd := exec.Command(execPath, fmt.Sprintf("--%s", ChildProcessArgument))

	childStdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to get stdin of child process %q: %w", execPath, err)
	}

	childStdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to get stdout of child process %q: %w", execPath, err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to start child process %q: %w", execPath, err)
	}

	logger.Infof("Started child process %d", cmd.Process.Pid)
	return childStdin, childStdout, nil
}

// ParentProcessSendConfigViaSTDIN sends the config to the child process and waits for its start report
func ParentProcessSendConfigViaSTDIN(config *commons.Config, childStdin io.WriteCloser, childStdout io.ReadCloser) error {
	logger := log.WithFields(log.Fields{
		"package":  "commons",
		"function": "ParentProcessSendConfigViaSTDIN",
	})

	configBytes, err := config.ToYAML()
	if err != nil {
		return xerrors.Errorf("failed to marshal config: %w", err)
	}

	_, err = childStdin.Write(configBytes)
	if err != nil {
		return xerrors.Errorf("failed to send config to child process: %w", err)
	}
	childStdin.Close()

	scanner := bufio.NewScanner(childStdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case InterProcessCommunicationFinishSuccess:
			logger.Info("Child process started successfully")
			return nil
		case InterProcessCommunicationFinishError:
			return xerrors.Errorf("child process failed to start")
		default:
			logger.Debugf("Child process: %s", line)
		}
	}

	if err := scanner.Err(); err != nil {
		return xerrors.Errorf("failed to read child process output: %w", err)
	}
	return xerrors.Errorf("child process exited without reporting")
}

// ChildProcessReadConfigViaSTDIN reads the config sent by the parent process and sets up child logging
func ChildProcessReadConfigViaSTDIN() (*commons.Config, io.WriteCloser, error) {
	logger := log.WithFields(log.Fields{
		"package":  "commons",
		"function": "ChildProcessReadConfigViaSTDIN",
	})

	configBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to read config from stdin: %w", err)
	}

	config, err := commons.NewConfigFromYAML(configBytes)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to read config from stdin: %w", err)
	}

	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	var logWriter io.WriteCloser
	logFilePath := config.GetLogFilePath()
	if len(logFilePath) > 0 {
		childLogWriter, childLogFilePath := getLogWriterForChildProcess(logFilePath)
		logWriter = childLogWriter

		// stdout carries the start report, logs go to stderr and the file
		log.SetOutput(io.MultiWriter(os.Stderr, childLogWriter))

		logger.Infof("Logging to %s", childLogFilePath)
	} else {
		log.SetOutput(os.Stderr)
	}

	err = config.Validate()
	if err != nil {
		return nil, logWriter, err
	}

	return config, logWriter, nil
}
