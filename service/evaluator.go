package service

import (
	"context"
	"strings"
	"time"

	"github.com/chessdojo/enginepool/cache"
	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/engine"
	"github.com/chessdojo/enginepool/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// EvalRequest asks for an evaluation of a position, zero search parameters take configured defaults
type EvalRequest struct {
	FEN     string
	Engine  string
	Depth   int
	Lines   int
	Threads int
	HashMB  int
	// CurrentFEN, if set, returns the position the caller is at when the result arrives
	CurrentFEN func() string
}

// EvalResult is a final evaluation
type EvalResult struct {
	Eval   *engine.PositionEval
	Cached bool
}

// PartialEvalCallback receives intermediate evaluations while the engine searches
type PartialEvalCallback func(eval *engine.PositionEval)

// Evaluator answers evaluation requests from the evaluation cache or an engine pool
type Evaluator struct {
	config  *commons.Config
	manager *EngineManager
	cache   *cache.TieredCache[engine.PositionEval]
}

// NewEvaluator creates an evaluator
func NewEvaluator(config *commons.Config, manager *EngineManager, evalCache *cache.TieredCache[engine.PositionEval]) *Evaluator {
	return &Evaluator{
		config:  config,
		manager: manager,
		cache:   evalCache,
	}
}

// MakeEvalCacheKey returns the cache key of a position evaluated by an engine.
// Search parameters are not part of the key, a cached evaluation serves any request it is complete for.
func MakeEvalCacheKey(fen string, engineName string) string {
	return utils.MakeHash(strings.TrimSpace(fen), engineName)
}

func (evaluator *Evaluator) normalizeRequest(request *EvalRequest) (*EvalRequest, error) {
	normalized := *request
	normalized.FEN = strings.TrimSpace(request.FEN)

	if len(normalized.FEN) == 0 {
		return nil, commons.NewConfigurationError("fen must be given")
	}

	err := engine.ValidateFEN(normalized.FEN)
	if err != nil {
		return nil, err
	}

	engineName, err := evaluator.manager.ResolveEngineName(request.Engine)
	if err != nil {
		return nil, err
	}
	normalized.Engine = engineName

	if normalized.Depth <= 0 {
		normalized.Depth = evaluator.config.DefaultDepth
	}
	if normalized.Lines <= 0 {
		normalized.Lines = evaluator.config.DefaultLines
	}
	if normalized.Threads <= 0 {
		normalized.Threads = evaluator.config.DefaultThreads
	}
	if normalized.HashMB <= 0 {
		normalized.HashMB = evaluator.config.DefaultHashMB
	}

	for _, name := range engine.OptionOrder() {
		value := optionValue(&normalized, name)
		if value == 0 {
			continue
		}

		err = engine.ValidateOption(name, value)
		if err != nil {
			return nil, err
		}
	}

	return &normalized, nil
}

func optionValue(request *EvalRequest, name engine.OptionName) int {
	switch name {
	case engine.OptionLines:
		return request.Lines
	case engine.OptionHash:
		return request.HashMB
	case engine.OptionThreads:
		return request.Threads
	default:
		return 0
	}
}

// Evaluate returns a complete cached evaluation or runs the engine, streaming partial evaluations to callback.
// Only complete evaluations are cached, cache failures never fail the evaluation.
func (evaluator *Evaluator) Evaluate(ctx context.Context, request *EvalRequest, callback PartialEvalCallback) (*EvalResult, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Evaluator",
		"function": "Evaluate",
	})

	defer utils.StackTraceFromPanic(logger)

	normalized, err := evaluator.normalizeRequest(request)
	if err != nil {
		return nil, err
	}

	key := MakeEvalCacheKey(normalized.FEN, normalized.Engine)

	if cached, ok := evaluator.cache.Get(ctx, key); ok {
		if cached.IsComplete(normalized.Depth, normalized.Lines) {
			promCounterForEvalCacheHits.Inc()
			logger.Debugf("Serving %q from evaluation cache", normalized.FEN)
			return &EvalResult{
				Eval:   &cached,
				Cached: true,
			}, nil
		}
		logger.Debugf("Cached evaluation of %q is shallower than requested", normalized.FEN)
	}

	promCounterForEvalCacheMisses.Inc()

	pool, err := evaluator.manager.GetPool(ctx, normalized.Engine)
	if err != nil {
		return nil, err
	}

	if evaluator.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(evaluator.config.JobTimeout))
		defer cancel()
	}

	err = pool.StopAll(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to stop running evaluations of %q: %w", normalized.Engine, err)
	}

	for _, name := range engine.OptionOrder() {
		value := optionValue(normalized, name)
		if value == 0 {
			continue
		}

		err = pool.SetGlobalOption(ctx, name, value, false)
		if err != nil {
			return nil, xerrors.Errorf("failed to set %s of %q: %w", name, normalized.Engine, err)
		}
	}

	commands, marker := engine.EvaluationCommands(normalized.FEN, normalized.Depth)

	var lineCallback engine.LineCallback
	if callback != nil {
		lineCallback = func(lines []string) {
			last := lines[len(lines)-1]
			if !strings.HasPrefix(last, "info") || !strings.Contains(last, " pv ") {
				return
			}

			partial, parseErr := engine.ParseEvaluation(normalized.FEN, lines)
			if parseErr != nil || len(partial.Lines) == 0 {
				return
			}

			partial.Engine = normalized.Engine
			callback(partial)
		}
	}

	promCounterForEvaluations.Inc()

	lines, err := pool.Run(ctx, commands, marker, lineCallback)
	if err != nil {
		promCounterForEvaluationFailures.Inc()
		return nil, xerrors.Errorf("failed to evaluate %q on %q: %w", normalized.FEN, normalized.Engine, err)
	}

	eval, err := engine.ParseEvaluation(normalized.FEN, lines)
	if err != nil {
		promCounterForEvaluationFailures.Inc()
		return nil, err
	}
	eval.Engine = normalized.Engine

	err = checkStale(normalized)
	if err != nil {
		logger.Debugf("Discarding evaluation: %v", err)
		return nil, err
	}

	if eval.IsComplete(normalized.Depth, normalized.Lines) {
		err = evaluator.cache.Put(ctx, key, *eval)
		if err != nil {
			logger.Warnf("Failed to cache evaluation of %q: %+v", normalized.FEN, err)
		}
	} else {
		logger.Debugf("Evaluation of %q reached depth %d with %d lines, not caching", normalized.FEN, eval.GetDepth(), len(eval.Lines))
	}

	return &EvalResult{
		Eval:   eval,
		Cached: false,
	}, nil
}

// checkStale rejects the evaluation once the caller has moved on to another position
func checkStale(request *EvalRequest) error {
	if request.CurrentFEN != nil {
		current := strings.TrimSpace(request.CurrentFEN())
		if current != request.FEN {
			return commons.NewStaleResultError(request.FEN, current)
		}
	}

	return nil
}

// GetCache returns the evaluation cache
func (evaluator *Evaluator) GetCache() *cache.TieredCache[engine.PositionEval] {
	return evaluator.cache
}
