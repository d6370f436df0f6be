package engine

import (
	"context"
	"sync"
	"time"

	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// PoolState is the lifecycle state of a pool
type PoolState string

const (
	PoolStateUninitialized PoolState = "uninitialized"
	PoolStateInitializing  PoolState = "initializing"
	PoolStateReady         PoolState = "ready"
	PoolStateShuttingDown  PoolState = "shutting_down"
	PoolStateTerminated    PoolState = "terminated"
)

const (
	commandIsReady    string = "isready"
	commandStop       string = "stop"
	commandQuit       string = "quit"
	markerReadyOK     string = "readyok"
	markerUCIOK       string = "uciok"
	markerBestMove    string = "bestmove"
	commandUCI        string = "uci"
	commandUCINewGame string = "ucinewgame"
)

// PoolConfig configures a pool
type PoolConfig struct {
	Name         string
	Workers      int
	InitCommands []string
	Options      Options
}

type workerSlot struct {
	worker  Worker
	idle    bool
	current *Job
	// pinned jobs must run on this worker and are served before the shared queue
	pinned []*Job
}

// Pool owns a set of workers, queues jobs while none is idle and keeps global options consistent across workers
type Pool struct {
	config  PoolConfig
	factory WorkerFactory

	state            PoolState
	slots            []*workerSlot
	queue            []*Job
	options          Options
	lastActivityTime time.Time

	jobsDispatched uint64
	jobsCompleted  uint64
	jobsCancelled  uint64

	mutex       sync.Mutex // lock for slots, queue and state
	optionMutex sync.Mutex // serializes option broadcasts
}

// NewPool creates an uninitialized pool
func NewPool(config PoolConfig, factory WorkerFactory) *Pool {
	if config.Options == (Options{}) {
		config.Options = NewDefaultOptions()
	}

	return &Pool{
		config:  config,
		factory: factory,

		state:            PoolStateUninitialized,
		slots:            []*workerSlot{},
		queue:            []*Job{},
		options:          config.Options,
		lastActivityTime: time.Now(),
	}
}

// CreatePool creates a pool and runs the first worker's handshake
func CreatePool(ctx context.Context, config PoolConfig, factory WorkerFactory) (*Pool, error) {
	pool := NewPool(config, factory)

	err := pool.Start(ctx)
	if err != nil {
		return nil, err
	}

	return pool, nil
}

// Start spins up the first worker, marks the pool ready, then grows it to the configured size
func (pool *Pool) Start(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "Start",
	})

	defer utils.StackTraceFromPanic(logger)

	pool.mutex.Lock()
	if pool.state != PoolStateUninitialized {
		state := pool.state
		pool.mutex.Unlock()
		return xerrors.Errorf("failed to start pool %q: %w", pool.config.Name, commons.NewPoolNotReadyError(pool.config.Name, string(state)))
	}
	pool.state = PoolStateInitializing
	pool.mutex.Unlock()

	logger.Infof("Creating engine pool %q", pool.config.Name)

	err := pool.addWorker(ctx)
	if err != nil {
		pool.mutex.Lock()
		pool.state = PoolStateTerminated
		pool.mutex.Unlock()
		return xerrors.Errorf("failed to start the first worker of pool %q: %w", pool.config.Name, err)
	}

	pool.mutex.Lock()
	if pool.state == PoolStateInitializing {
		pool.state = PoolStateReady
	}
	pool.mutex.Unlock()

	logger.Infof("Engine pool %q is ready", pool.config.Name)

	if pool.config.Workers > 1 {
		err = pool.AddWorkers(ctx, pool.config.Workers-1)
		if err != nil {
			logger.Warnf("Failed to grow pool %q to %d workers: %+v", pool.config.Name, pool.config.Workers, err)
		}
	}

	return nil
}

// GetName returns pool name
func (pool *Pool) GetName() string {
	return pool.config.Name
}

// GetState returns pool state
func (pool *Pool) GetState() PoolState {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	return pool.state
}

// IsReady returns true if the pool accepts jobs
func (pool *Pool) IsReady() bool {
	return pool.GetState() == PoolStateReady
}

// GetOptions returns the last-applied global options
func (pool *Pool) GetOptions() Options {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	return pool.options
}

// GetWorkerCount returns the number of workers
func (pool *Pool) GetWorkerCount() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	return len(pool.slots)
}

// GetIdleWorkerCount returns the number of idle workers
func (pool *Pool) GetIdleWorkerCount() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	count := 0
	for _, slot := range pool.slots {
		if slot.idle {
			count++
		}
	}
	return count
}

// GetQueueLength returns the number of queued jobs
func (pool *Pool) GetQueueLength() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	return len(pool.queue)
}

// GetLastActivityTime returns the time a job was last submitted
func (pool *Pool) GetLastActivityTime() time.Time {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	return pool.lastActivityTime
}

// PoolStat is a snapshot of pool counters
type PoolStat struct {
	Name           string    `json:"name"`
	State          PoolState `json:"state"`
	Workers        int       `json:"workers"`
	IdleWorkers    int       `json:"idle_workers"`
	QueueLength    int       `json:"queue_length"`
	Options        Options   `json:"options"`
	JobsDispatched uint64    `json:"jobs_dispatched"`
	JobsCompleted  uint64    `json:"jobs_completed"`
	JobsCancelled  uint64    `json:"jobs_cancelled"`
}

// GetStat returns a snapshot of pool counters
func (pool *Pool) GetStat() PoolStat {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	idle := 0
	for _, slot := range pool.slots {
		if slot.idle {
			idle++
		}
	}

	return PoolStat{
		Name:           pool.config.Name,
		State:          pool.state,
		Workers:        len(pool.slots),
		IdleWorkers:    idle,
		QueueLength:    len(pool.queue),
		Options:        pool.options,
		JobsDispatched: pool.jobsDispatched,
		JobsCompleted:  pool.jobsCompleted,
		JobsCancelled:  pool.jobsCancelled,
	}
}

// AddWorkers starts count new workers, each joins the pool after its handshake
func (pool *Pool) AddWorkers(ctx context.Context, count int) error {
	for i := 0; i < count; i++ {
		err := pool.addWorker(ctx)
		if err != nil {
			return xerrors.Errorf("failed to add worker %d of %d to pool %q: %w", i+1, count, pool.config.Name, err)
		}
	}
	return nil
}

// Resize grows or shrinks the pool, shrinking only removes idle workers
func (pool *Pool) Resize(ctx context.Context, count int) error {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "Resize",
	})

	if count < 1 {
		return commons.NewConfigurationErrorf("pool size %d must be positive", count)
	}

	pool.mutex.Lock()
	if pool.state != PoolStateReady {
		state := pool.state
		pool.mutex.Unlock()
		return commons.NewPoolNotReadyError(pool.config.Name, string(state))
	}

	current := len(pool.slots)
	if count > current {
		pool.mutex.Unlock()
		return pool.AddWorkers(ctx, count-current)
	}

	removed := []*workerSlot{}
	remaining := []*workerSlot{}
	for _, slot := range pool.slots {
		if len(removed) < current-count && slot.idle {
			removed = append(removed, slot)
			continue
		}
		remaining = append(remaining, slot)
	}
	pool.slots = remaining
	pool.mutex.Unlock()

	if len(removed) < current-count {
		logger.Infof("Pool %q has only %d idle workers, shrinking to %d instead of %d", pool.config.Name, len(removed), current-len(removed), count)
	}

	for _, slot := range removed {
		pool.terminateWorker(slot.worker)
	}

	return nil
}

func (pool *Pool) addWorker(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "addWorker",
	})

	worker, err := pool.factory(ctx)
	if err != nil {
		return xerrors.Errorf("failed to create a worker: %w", err)
	}

	pool.mutex.Lock()
	options := pool.options
	pool.mutex.Unlock()

	err = pool.handshake(ctx, worker, options)
	if err != nil {
		worker.Terminate()
		return xerrors.Errorf("failed to handshake with worker %q: %w", worker.GetID(), err)
	}

	// wait for in-flight option broadcasts to be recorded
	pool.optionMutex.Lock()
	defer pool.optionMutex.Unlock()

	pool.mutex.Lock()
	if pool.state == PoolStateShuttingDown || pool.state == PoolStateTerminated {
		state := pool.state
		pool.mutex.Unlock()
		pool.terminateWorker(worker)
		return commons.NewPoolNotReadyError(pool.config.Name, string(state))
	}

	slot := &workerSlot{
		worker: worker,
		idle:   false,
		pinned: []*Job{},
	}

	if diff := pool.options.Diff(options); len(diff) > 0 {
		slot.pinned = append(slot.pinned, NewJob(append(diff, commandIsReady), markerReadyOK, nil))
	}

	pool.slots = append(pool.slots, slot)
	next := pool.nextJob(slot)
	workerCount := len(pool.slots)
	pool.mutex.Unlock()

	logger.Infof("Added worker %q to pool %q, total %d workers", worker.GetID(), pool.config.Name, workerCount)

	if next != nil {
		go pool.runSlot(slot, next)
	}

	return nil
}

func (pool *Pool) handshake(ctx context.Context, worker Worker, options Options) error {
	type handshakeStep struct {
		commands []string
		marker   string
	}

	steps := []handshakeStep{
		{commands: []string{commandUCI}, marker: markerUCIOK},
		{commands: append(options.Commands(), commandIsReady), marker: markerReadyOK},
	}

	if len(pool.config.InitCommands) > 0 {
		initCommands := make([]string, 0, len(pool.config.InitCommands)+1)
		initCommands = append(initCommands, pool.config.InitCommands...)
		initCommands = append(initCommands, commandIsReady)
		steps = append(steps, handshakeStep{commands: initCommands, marker: markerReadyOK})
	}

	steps = append(steps, handshakeStep{commands: []string{commandUCINewGame, commandIsReady}, marker: markerReadyOK})

	for _, step := range steps {
		_, err := runJob(ctx, worker, NewJob(step.commands, step.marker, nil))
		if err != nil {
			return xerrors.Errorf("failed to receive %q: %w", step.marker, err)
		}
	}

	return nil
}

// nextJob hands the slot its next job, pinned jobs first, then the shared queue. The slot becomes idle only when both are empty.
// must be called with mutex held
func (pool *Pool) nextJob(slot *workerSlot) *Job {
	if pool.state == PoolStateShuttingDown || pool.state == PoolStateTerminated {
		slot.idle = false
		slot.current = nil
		return nil
	}

	var job *Job
	if len(slot.pinned) > 0 {
		job = slot.pinned[0]
		slot.pinned = slot.pinned[1:]
	} else if len(pool.queue) > 0 {
		job = pool.queue[0]
		pool.queue = pool.queue[1:]
	}

	if job == nil {
		slot.idle = true
		slot.current = nil
		return nil
	}

	slot.idle = false
	slot.current = job
	job.markDispatched(slot.worker.GetID())
	pool.jobsDispatched++
	return job
}

// runSlot runs jobs on the slot's worker until no job is left for it
func (pool *Pool) runSlot(slot *workerSlot, job *Job) {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "runSlot",
	})

	defer utils.StackTraceFromPanic(logger)

	for job != nil {
		lines, err := runJob(context.Background(), slot.worker, job)
		job.resolve(lines, err)

		if err != nil {
			logger.Errorf("Job %q failed on worker %q: %+v", job.GetID(), slot.worker.GetID(), err)
			if commons.IsTransportError(err) {
				pool.dropSlot(slot, err)
				return
			}
		}

		pool.mutex.Lock()
		pool.jobsCompleted++
		job = pool.nextJob(slot)
		pool.mutex.Unlock()
	}
}

// dropSlot removes a worker whose transport failed
func (pool *Pool) dropSlot(slot *workerSlot, cause error) {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "dropSlot",
	})

	pool.mutex.Lock()
	remaining := []*workerSlot{}
	for _, s := range pool.slots {
		if s != slot {
			remaining = append(remaining, s)
		}
	}
	pool.slots = remaining

	abandoned := slot.pinned
	slot.pinned = nil
	slot.current = nil
	slot.idle = false

	if len(pool.slots) == 0 && pool.state == PoolStateReady {
		logger.Errorf("Pool %q lost its last worker, terminating", pool.config.Name)
		abandoned = append(abandoned, pool.queue...)
		pool.queue = []*Job{}
		pool.state = PoolStateTerminated
	}
	pool.mutex.Unlock()

	for _, job := range abandoned {
		job.resolve(nil, cause)
	}

	slot.worker.Terminate()
}

// Submit dispatches the job to the first idle worker, or queues it
func (pool *Pool) Submit(job *Job) error {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "Submit",
	})

	pool.mutex.Lock()
	if pool.state != PoolStateReady {
		state := pool.state
		pool.mutex.Unlock()
		return commons.NewPoolNotReadyError(pool.config.Name, string(state))
	}

	pool.lastActivityTime = time.Now()

	for _, slot := range pool.slots {
		if slot.idle {
			slot.idle = false
			slot.current = job
			job.markDispatched(slot.worker.GetID())
			pool.jobsDispatched++
			pool.mutex.Unlock()

			go pool.runSlot(slot, job)
			return nil
		}
	}

	pool.queue = append(pool.queue, job)
	queueLength := len(pool.queue)
	pool.mutex.Unlock()

	logger.Debugf("No idle worker in pool %q, queued job %q (queue length %d)", pool.config.Name, job.GetID(), queueLength)
	return nil
}

// Run submits commands as a job and waits for the marker line, cancelling the job if ctx is done first
func (pool *Pool) Run(ctx context.Context, commands []string, marker string, callback LineCallback) ([]string, error) {
	job := NewJob(commands, marker, callback)

	err := pool.Submit(job)
	if err != nil {
		return nil, err
	}

	lines, err := job.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		pool.Cancel(job)
	}

	return lines, err
}

// Cancel removes a queued job, or interrupts the worker running it, and rejects it
func (pool *Pool) Cancel(job *Job) {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "Cancel",
	})

	pool.mutex.Lock()
	for idx, queued := range pool.queue {
		if queued == job {
			pool.queue = append(pool.queue[:idx], pool.queue[idx+1:]...)
			pool.jobsCancelled++
			pool.mutex.Unlock()

			job.cancel()
			return
		}
	}

	var worker Worker
	for _, slot := range pool.slots {
		if slot.current == job {
			worker = slot.worker
			pool.jobsCancelled++
			break
		}
	}
	pool.mutex.Unlock()

	if worker != nil {
		err := worker.Send(commandStop)
		if err != nil {
			logger.Warnf("Failed to interrupt worker %q: %+v", worker.GetID(), err)
		}
	}

	job.cancel()
}

// broadcast runs the commands on every worker exclusively and waits for every acknowledgment
func (pool *Pool) broadcast(ctx context.Context, commands []string, marker string) error {
	type startEntry struct {
		slot *workerSlot
		job  *Job
	}

	pool.mutex.Lock()
	jobs := []*Job{}
	starts := []startEntry{}
	for _, slot := range pool.slots {
		job := NewJob(commands, marker, nil)
		jobs = append(jobs, job)

		if slot.idle {
			slot.idle = false
			slot.current = job
			job.markDispatched(slot.worker.GetID())
			starts = append(starts, startEntry{slot: slot, job: job})
		} else {
			slot.pinned = append(slot.pinned, job)
		}
	}
	pool.mutex.Unlock()

	for _, start := range starts {
		go pool.runSlot(start.slot, start.job)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		group.Go(func() error {
			_, err := job.Wait(groupCtx)
			return err
		})
	}

	err := group.Wait()
	if err != nil {
		pool.withdrawPinned(jobs)
	}
	return err
}

// withdrawPinned removes jobs not yet dispatched from the slots' pinned lists and cancels them
func (pool *Pool) withdrawPinned(jobs []*Job) {
	withdrawn := map[*Job]bool{}
	for _, job := range jobs {
		withdrawn[job] = true
	}

	cancelled := []*Job{}

	pool.mutex.Lock()
	for _, slot := range pool.slots {
		kept := []*Job{}
		for _, pinned := range slot.pinned {
			if withdrawn[pinned] {
				cancelled = append(cancelled, pinned)
				continue
			}
			kept = append(kept, pinned)
		}
		slot.pinned = kept
	}
	pool.jobsCancelled += uint64(len(cancelled))
	pool.mutex.Unlock()

	for _, job := range cancelled {
		job.cancel()
	}
}

// SetGlobalOption broadcasts the option to every worker and records it once all acknowledged.
// Unless forceInit is set, an unchanged value is a no-op and the pool must be ready.
func (pool *Pool) SetGlobalOption(ctx context.Context, name OptionName, value int, forceInit bool) error {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "SetGlobalOption",
	})

	err := ValidateOption(name, value)
	if err != nil {
		return err
	}

	pool.optionMutex.Lock()
	defer pool.optionMutex.Unlock()

	pool.mutex.Lock()
	state := pool.state
	current := pool.options.Get(name)
	pool.mutex.Unlock()

	if !forceInit {
		if current == value {
			logger.Debugf("%s of pool %q is already %d, skipping", name, pool.config.Name, value)
			return nil
		}

		if state != PoolStateReady {
			return commons.NewPoolNotReadyError(pool.config.Name, string(state))
		}
	} else if state == PoolStateShuttingDown || state == PoolStateTerminated {
		return commons.NewPoolNotReadyError(pool.config.Name, string(state))
	}

	logger.Debugf("Setting %s of pool %q to %d", name, pool.config.Name, value)

	err = pool.broadcast(ctx, []string{SetOptionCommand(name, value), commandIsReady}, markerReadyOK)
	if err != nil {
		// dispatched jobs may still apply the value, so the next call must broadcast again
		pool.mutex.Lock()
		pool.options = pool.options.With(name, OptionValueUnknown)
		pool.mutex.Unlock()

		return xerrors.Errorf("failed to set %s of pool %q to %d: %w", name, pool.config.Name, value, err)
	}

	pool.mutex.Lock()
	pool.options = pool.options.With(name, value)
	pool.mutex.Unlock()

	return nil
}

// StopAll rejects every queued job, interrupts busy workers and waits until every worker is synchronized
func (pool *Pool) StopAll(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "StopAll",
	})

	pool.mutex.Lock()
	if pool.state != PoolStateReady {
		state := pool.state
		pool.mutex.Unlock()
		return commons.NewPoolNotReadyError(pool.config.Name, string(state))
	}

	abandoned := pool.queue
	pool.queue = []*Job{}
	pool.jobsCancelled += uint64(len(abandoned))

	busy := []Worker{}
	for _, slot := range pool.slots {
		if !slot.idle {
			busy = append(busy, slot.worker)
		}
	}
	pool.mutex.Unlock()

	logger.Debugf("Stopping pool %q, %d queued jobs abandoned, %d busy workers", pool.config.Name, len(abandoned), len(busy))

	for _, job := range abandoned {
		job.cancel()
	}

	for _, worker := range busy {
		err := worker.Send(commandStop)
		if err != nil {
			logger.Warnf("Failed to interrupt worker %q: %+v", worker.GetID(), err)
		}
	}

	err := pool.broadcast(ctx, []string{commandIsReady}, markerReadyOK)
	if err != nil {
		return xerrors.Errorf("failed to synchronize workers of pool %q: %w", pool.config.Name, err)
	}

	return nil
}

// Shutdown rejects every pending job and terminates every worker
func (pool *Pool) Shutdown() {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "Shutdown",
	})

	defer utils.StackTraceFromPanic(logger)

	pool.mutex.Lock()
	if pool.state == PoolStateShuttingDown || pool.state == PoolStateTerminated {
		pool.mutex.Unlock()
		return
	}

	pool.state = PoolStateShuttingDown

	abandoned := pool.queue
	pool.queue = []*Job{}
	slots := pool.slots
	pool.slots = []*workerSlot{}
	for _, slot := range slots {
		abandoned = append(abandoned, slot.pinned...)
		slot.pinned = nil
	}
	pool.jobsCancelled += uint64(len(abandoned))
	pool.mutex.Unlock()

	logger.Infof("Shutting down pool %q, terminating %d workers", pool.config.Name, len(slots))

	for _, job := range abandoned {
		job.cancel()
	}

	wg := sync.WaitGroup{}
	for _, slot := range slots {
		wg.Add(1)
		go func(worker Worker) {
			defer wg.Done()
			pool.terminateWorker(worker)
		}(slot.worker)
	}
	wg.Wait()

	pool.mutex.Lock()
	pool.state = PoolStateTerminated
	pool.mutex.Unlock()

	logger.Infof("Pool %q is terminated", pool.config.Name)
}

func (pool *Pool) terminateWorker(worker Worker) {
	logger := log.WithFields(log.Fields{
		"package":  "engine",
		"struct":   "Pool",
		"function": "terminateWorker",
	})

	err := worker.Send(commandQuit)
	if err != nil {
		logger.Debugf("Failed to send quit to worker %q: %v", worker.GetID(), err)
	}

	err = worker.Terminate()
	if err != nil {
		logger.Warnf("Failed to terminate worker %q: %+v", worker.GetID(), err)
	}
}
