package engine

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/utils"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	workerLineBufferSize   int           = 1024
	workerLineLengthMax    int           = 1024 * 1024
	workerTerminateTimeout time.Duration = 3 * time.Second
)

// Worker is one independently running analysis process reachable only through an ordered text protocol
type Worker interface {
	GetID() string
	// Send writes one protocol line to the worker
	Send(line string) error
	// Lines delivers the worker's output in the order it was produced, closed when the output ends
	Lines() <-chan string
	Terminate() error
}

// WorkerFactory starts a new worker
type WorkerFactory func(ctx context.Context) (Worker, error)

// ProcessWorker is a worker backed by an engine executable talking UCI over stdin/stdout
type ProcessWorker struct {
	id    string
	path  string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string

	terminated    bool
	terminateChan chan bool
	exitChan      chan error
	mutex         sync.Mutex // lock for stdin and termination
}

// NewProcessWorkerFactory returns a factory starting the given engine executable
func NewProcessWorkerFactory(path string, args []string) WorkerFactory {
	return func(ctx context.Context) (Worker, error) {
		return StartProcessWorker(ctx, path, args)
	}
}

// StartProcessWorker starts the engine executable and begins reading its output
func StartProcessWorker(ctx context.Context, path string, args []string) (*ProcessWorker, error) {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"function": "StartProcessWorker",
	})

	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, xerrors.Errorf("failed to get stdin pipe of engine %q: %w", path, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, xerrors.Errorf("failed to get stdout pipe of engine %q: %w", path, err)
	}

	if ctx.Err() != nil {
		return nil, xerrors.Errorf("failed to start engine %q: %w", path, ctx.Err())
	}

	err = cmd.Start()
	if err != nil {
		return nil, xerrors.Errorf("failed to start engine %q: %w", path, err)
	}

	worker := &ProcessWorker{
		id:    xid.New().String(),
		path:  path,
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, workerLineBufferSize),

		terminated:    false,
		terminateChan: make(chan bool),
		exitChan:      make(chan error, 1),
	}

	logger.Debugf("Started engine %q as worker %q (pid %d)", path, worker.id, cmd.Process.Pid)

	go worker.readOutput(stdout)

	return worker, nil
}

func (worker *ProcessWorker) readOutput(stdout io.Reader) {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "ProcessWorker",
		"function": "readOutput",
	})

	defer utils.StackTraceFromPanic(logger)

	defer func() {
		close(worker.lines)
		worker.exitChan <- worker.cmd.Wait()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), workerLineLengthMax)

	for scanner.Scan() {
		line := scanner.Text()
		logger.Debugf("worker %q < %s", worker.id, line)

		select {
		case worker.lines <- line:
		case <-worker.terminateChan:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warnf("Failed to read output of worker %q: %+v", worker.id, err)
	}
}

// GetID returns worker id
func (worker *ProcessWorker) GetID() string {
	return worker.id
}

// GetPath returns engine executable path
func (worker *ProcessWorker) GetPath() string {
	return worker.path
}

// Send writes one protocol line to the engine
func (worker *ProcessWorker) Send(line string) error {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "ProcessWorker",
		"function": "Send",
	})

	worker.mutex.Lock()
	defer worker.mutex.Unlock()

	if worker.terminated {
		return commons.NewTransportError(worker.id, "worker is terminated")
	}

	logger.Debugf("worker %q > %s", worker.id, line)

	_, err := io.WriteString(worker.stdin, line+"\n")
	if err != nil {
		return xerrors.Errorf("failed to write %q: %w", line, commons.NewTransportError(worker.id, err.Error()))
	}

	return nil
}

// Lines returns the output line channel
func (worker *ProcessWorker) Lines() <-chan string {
	return worker.lines
}

// Terminate closes stdin and waits for the process to exit, killing it if it does not
func (worker *ProcessWorker) Terminate() error {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "ProcessWorker",
		"function": "Terminate",
	})

	worker.mutex.Lock()
	if worker.terminated {
		worker.mutex.Unlock()
		return nil
	}

	worker.terminated = true
	close(worker.terminateChan)
	worker.stdin.Close()
	worker.mutex.Unlock()

	select {
	case err := <-worker.exitChan:
		if err != nil {
			logger.Debugf("Worker %q exited: %v", worker.id, err)
		}
		return nil
	case <-time.After(workerTerminateTimeout):
		logger.Warnf("Worker %q did not exit in %s, killing", worker.id, workerTerminateTimeout)
		err := worker.cmd.Process.Kill()
		if err != nil {
			return xerrors.Errorf("failed to kill worker %q: %w", worker.id, err)
		}
		return nil
	}
}
