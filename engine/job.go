package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/chessdojo/enginepool/commons"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

// LineCallback receives every line accumulated so far, each time a new one arrives
type LineCallback func(lines []string)

// Job is a command sequence that completes when a line starting with its marker is received
type Job struct {
	id       string
	commands []string
	marker   string
	callback LineCallback

	lines      []string
	err        error
	resolved   bool
	doneChan   chan struct{}
	mutex      sync.Mutex
	workerID   string
	dispatched bool
}

// NewJob creates a new job
func NewJob(commands []string, marker string, callback LineCallback) *Job {
	return &Job{
		id:       xid.New().String(),
		commands: commands,
		marker:   marker,
		callback: callback,
		doneChan: make(chan struct{}),
	}
}

// GetID returns job id
func (job *Job) GetID() string {
	return job.id
}

// GetCommands returns commands
func (job *Job) GetCommands() []string {
	return job.commands
}

// GetMarker returns the terminal marker
func (job *Job) GetMarker() string {
	return job.marker
}

// GetWorkerID returns the id of the worker the job was dispatched to, empty while queued
func (job *Job) GetWorkerID() string {
	job.mutex.Lock()
	defer job.mutex.Unlock()

	return job.workerID
}

// Done returns a channel closed when the job resolves
func (job *Job) Done() <-chan struct{} {
	return job.doneChan
}

// Wait waits until the job resolves or ctx is done
func (job *Job) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-job.doneChan:
		job.mutex.Lock()
		defer job.mutex.Unlock()
		return job.lines, job.err
	case <-ctx.Done():
		return nil, xerrors.Errorf("failed to wait for job %q: %w", job.id, ctx.Err())
	}
}

func (job *Job) markDispatched(workerID string) {
	job.mutex.Lock()
	defer job.mutex.Unlock()

	job.dispatched = true
	job.workerID = workerID
}

func (job *Job) isDispatched() bool {
	job.mutex.Lock()
	defer job.mutex.Unlock()

	return job.dispatched
}

// resolve completes the job, only the first call takes effect
func (job *Job) resolve(lines []string, err error) bool {
	job.mutex.Lock()
	defer job.mutex.Unlock()

	if job.resolved {
		return false
	}

	job.resolved = true
	job.lines = lines
	job.err = err
	close(job.doneChan)
	return true
}

func (job *Job) cancel() {
	job.resolve(nil, commons.NewJobCancelledError(job.id))
}

// runJob sends the job's commands to the worker and collects lines until the marker arrives
func runJob(ctx context.Context, worker Worker, job *Job) ([]string, error) {
	for _, command := range job.commands {
		err := worker.Send(command)
		if err != nil {
			return nil, xerrors.Errorf("failed to send command %q of job %q: %w", command, job.id, err)
		}
	}

	lines := []string{}
	for {
		select {
		case line, ok := <-worker.Lines():
			if !ok {
				return lines, commons.NewTransportError(worker.GetID(), "worker output closed before "+job.marker)
			}

			lines = append(lines, line)
			if job.callback != nil {
				job.callback(lines)
			}

			if strings.HasPrefix(line, job.marker) {
				return lines, nil
			}
		case <-ctx.Done():
			return lines, xerrors.Errorf("failed to wait for %q: %w", job.marker, ctx.Err())
		}
	}
}
