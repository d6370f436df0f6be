// Package enginetest provides an in-process UCI engine for tests
package enginetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/engine"
	"github.com/notnil/chess"
	"github.com/rs/xid"
)

const (
	fakeLineBufferSize int = 4096
	fakePVLength       int = 3
)

// FakeEngine creates fake workers and controls how they search
type FakeEngine struct {
	workers       []*FakeWorker
	hold          bool
	failHandshake bool
	mutex         sync.Mutex
}

// NewFakeEngine creates a fake engine
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		workers: []*FakeWorker{},
	}
}

// Factory returns a worker factory creating fake workers
func (fake *FakeEngine) Factory() engine.WorkerFactory {
	return func(ctx context.Context) (engine.Worker, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		fake.mutex.Lock()
		defer fake.mutex.Unlock()

		worker := newFakeWorker(fake)
		fake.workers = append(fake.workers, worker)
		return worker, nil
	}
}

// SetHold makes every following search stop after depth 1 until released or stopped
func (fake *FakeEngine) SetHold(hold bool) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	fake.hold = hold
}

// SetFailHandshake makes following workers close their output on "uci"
func (fake *FakeEngine) SetFailHandshake(fail bool) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	fake.failHandshake = fail
}

// GetWorkers returns every worker created so far
func (fake *FakeEngine) GetWorkers() []*FakeWorker {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	return append([]*FakeWorker{}, fake.workers...)
}

// ReleaseAll releases the held searches of every worker
func (fake *FakeEngine) ReleaseAll() {
	for _, worker := range fake.GetWorkers() {
		worker.Release()
	}
}

// Searches returns the positions searched by every worker, in the order each worker received them
func (fake *FakeEngine) Searches() []string {
	searches := []string{}
	for _, worker := range fake.GetWorkers() {
		searches = append(searches, worker.Searches()...)
	}
	return searches
}

func (fake *FakeEngine) isHold() bool {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	return fake.hold
}

func (fake *FakeEngine) isFailHandshake() bool {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	return fake.failHandshake
}

// FakeWorker answers the UCI subset the pool uses
type FakeWorker struct {
	id     string
	engine *FakeEngine
	lines  chan string

	options    map[string]string
	fen        string
	received   []string
	searches   []string
	searching  bool
	stopChan   chan struct{}
	holdChan   chan struct{}
	terminated bool
	mutex      sync.Mutex
}

func newFakeWorker(fake *FakeEngine) *FakeWorker {
	return &FakeWorker{
		id:       xid.New().String(),
		engine:   fake,
		lines:    make(chan string, fakeLineBufferSize),
		options:  map[string]string{},
		received: []string{},
		searches: []string{},
	}
}

// GetID returns worker id
func (worker *FakeWorker) GetID() string {
	return worker.id
}

// Lines returns the output channel
func (worker *FakeWorker) Lines() <-chan string {
	return worker.lines
}

// GetOption returns the value last set for the option
func (worker *FakeWorker) GetOption(name string) string {
	worker.mutex.Lock()
	defer worker.mutex.Unlock()

	return worker.options[name]
}

// Received returns every command received
func (worker *FakeWorker) Received() []string {
	worker.mutex.Lock()
	defer worker.mutex.Unlock()

	return append([]string{}, worker.received...)
}

// Searches returns the positions searched, in order
func (worker *FakeWorker) Searches() []string {
	worker.mutex.Lock()
	defer worker.mutex.Unlock()

	return append([]string{}, worker.searches...)
}

// IsSearching returns true while a search runs
func (worker *FakeWorker) IsSearching() bool {
	worker.mutex.Lock()
	defer worker.mutex.Unlock()

	return worker.searching
}

// IsTerminated returns true once terminated
func (worker *FakeWorker) IsTerminated() bool {
	worker.mutex.Lock()
	defer worker.mutex.Unlock()

	return worker.terminated
}

// Release lets a held search finish
func (worker *FakeWorker) Release() {
	worker.mutex.Lock()
	defer worker.mutex.Unlock()

	if worker.holdChan != nil {
		close(worker.holdChan)
		worker.holdChan = nil
	}
}

// Crash closes the output as if the process died
func (worker *FakeWorker) Crash() {
	worker.Terminate()
}

// Terminate closes the output
func (worker *FakeWorker) Terminate() error {
	worker.mutex.Lock()
	defer worker.mutex.Unlock()

	if worker.terminated {
		return nil
	}

	worker.terminated = true
	if worker.stopChan != nil {
		close(worker.stopChan)
		worker.stopChan = nil
	}
	close(worker.lines)
	return nil
}

// Send processes one command
func (worker *FakeWorker) Send(line string) error {
	worker.mutex.Lock()
	defer worker.mutex.Unlock()

	if worker.terminated {
		return commons.NewTransportError(worker.id, "worker is terminated")
	}

	worker.received = append(worker.received, line)

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "uci":
		if worker.engine.isFailHandshake() {
			worker.terminated = true
			close(worker.lines)
			return nil
		}
		worker.emitLocked("id name FakeFish")
		worker.emitLocked("option name MultiPV type spin default 1 min 1 max 500")
		worker.emitLocked("uciok")
	case "isready":
		worker.emitLocked("readyok")
	case "setoption":
		// setoption name <name> value <value>
		if len(fields) >= 5 && fields[1] == "name" && fields[3] == "value" {
			worker.options[fields[2]] = fields[4]
		}
	case "position":
		worker.fen = strings.TrimSpace(strings.TrimPrefix(line, "position fen"))
	case "go":
		depth := 1
		if len(fields) >= 3 && fields[1] == "depth" {
			if parsed, err := strconv.Atoi(fields[2]); err == nil {
				depth = parsed
			}
		}
		worker.startSearchLocked(depth)
	case "stop":
		if worker.stopChan != nil {
			close(worker.stopChan)
			worker.stopChan = nil
		}
	}

	return nil
}

func (worker *FakeWorker) emitLocked(line string) {
	if worker.terminated {
		return
	}
	worker.lines <- line
}

func (worker *FakeWorker) emit(line string) {
	worker.mutex.Lock()
	defer worker.mutex.Unlock()

	worker.emitLocked(line)
}

func (worker *FakeWorker) startSearchLocked(depth int) {
	lineCount := 1
	if multiPV, err := strconv.Atoi(worker.options["MultiPV"]); err == nil && multiPV > 0 {
		lineCount = multiPV
	}

	stopChan := make(chan struct{})
	var holdChan chan struct{}
	if worker.engine.isHold() {
		holdChan = make(chan struct{})
	}

	worker.stopChan = stopChan
	worker.holdChan = holdChan
	worker.searching = true
	worker.searches = append(worker.searches, worker.fen)

	go worker.search(worker.fen, depth, lineCount, stopChan, holdChan)
}

func (worker *FakeWorker) search(fen string, depth int, lineCount int, stopChan chan struct{}, holdChan chan struct{}) {
	pvs := fakePVs(fen, lineCount)

	stopped := false
	for d := 1; d <= depth && !stopped; d++ {
		for idx, pv := range pvs {
			worker.emit(fmt.Sprintf("info depth %d seldepth %d multipv %d score cp %d nodes %d nps 100000 time %d pv %s", d, d+2, idx+1, 30-10*idx+d, d*1000, d*10, strings.Join(pv, " ")))
		}

		if d == 1 && holdChan != nil {
			select {
			case <-holdChan:
			case <-stopChan:
				stopped = true
			}
			continue
		}

		select {
		case <-stopChan:
			stopped = true
		default:
		}
	}

	bestMove := "(none)"
	if len(pvs) > 0 {
		bestMove = pvs[0][0]
	}

	worker.mutex.Lock()
	worker.searching = false
	if worker.stopChan == stopChan {
		worker.stopChan = nil
	}
	worker.emitLocked(fmt.Sprintf("bestmove %s", bestMove))
	worker.mutex.Unlock()
}

// fakePVs returns legal principal variations, one per line, starting with distinct moves
func fakePVs(fen string, lineCount int) [][]string {
	option, err := chess.FEN(fen)
	if err != nil {
		return [][]string{}
	}

	root := chess.NewGame(option).Position()
	rootMoves := root.ValidMoves()

	pvs := [][]string{}
	for idx := 0; idx < lineCount && idx < len(rootMoves); idx++ {
		pv := []string{chess.UCINotation{}.Encode(root, rootMoves[idx])}
		position := root.Update(rootMoves[idx])

		for len(pv) < fakePVLength {
			moves := position.ValidMoves()
			if len(moves) == 0 {
				break
			}
			pv = append(pv, chess.UCINotation{}.Encode(position, moves[0]))
			position = position.Update(moves[0])
		}

		pvs = append(pvs, pv)
	}

	return pvs
}
