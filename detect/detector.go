package detect

import (
	"context"
	"sync"

	"bastion/core"
	"bastion/metrics"
	"bastion/util/goroutine"

	"go.uber.org/zap"
)

// MatchHandler consumes pattern and rule matches produced by the detector.
// The incident manager is the production implementation.
type MatchHandler interface {
	HandlePatternMatch(ctx context.Context, match *core.PatternMatch) error
	HandleRuleMatch(ctx context.Context, result core.RuleResult, event *core.Event) error
}

// Detector is the real-time pipeline: it consumes normalized events, appends
// them to the window buffer, runs the pattern matcher and rule evaluator
// concurrently against each event, and hands every match to the handler.
type Detector struct {
	window    *WindowBuffer
	patterns  *PatternMatcher
	evaluator *RuleEvaluator
	handler   MatchHandler
	inputCh   <-chan *core.Event
	workers   int
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	logger    *zap.SugaredLogger
}

// NewDetector wires the detection pipeline together.
func NewDetector(window *WindowBuffer, patterns *PatternMatcher, evaluator *RuleEvaluator, handler MatchHandler, inputCh <-chan *core.Event, workers int, logger *zap.SugaredLogger) *Detector {
	if workers < 1 {
		workers = 1
	}
	return &Detector{
		window:    window,
		patterns:  patterns,
		evaluator: evaluator,
		handler:   handler,
		inputCh:   inputCh,
		workers:   workers,
		logger:    logger,
	}
}

// Start launches the worker pool. Workers exit when the input channel closes
// or Stop is called.
func (d *Detector) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer goroutine.Recover("detector-worker", d.logger)
			d.run(ctx)
		}()
	}
}

// Stop cancels the workers and waits for them to drain.
func (d *Detector) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Detector) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.inputCh:
			if !ok {
				return
			}
			d.Process(ctx, event)
		}
	}
}

// Process runs one event through the full pipeline. Exposed for tests and
// synchronous callers; the worker pool uses it internally.
func (d *Detector) Process(ctx context.Context, event *core.Event) {
	if event == nil {
		return
	}
	metrics.EventsProcessed.Inc()

	d.window.Append(event)

	// Pattern matching and rule evaluation run concurrently; both only read
	// the buffer snapshot and the current rule index.
	var (
		inner          sync.WaitGroup
		patternMatches []*core.PatternMatch
		ruleResults    []core.RuleResult
	)

	inner.Add(2)
	go func() {
		defer inner.Done()
		defer goroutine.Recover("pattern-matcher", d.logger)
		patternMatches = d.patterns.Match(event)
	}()
	go func() {
		defer inner.Done()
		defer goroutine.Recover("rule-evaluator", d.logger)
		ruleResults = d.evaluator.Evaluate(ctx, event)
	}()
	inner.Wait()

	for _, match := range patternMatches {
		if err := d.handler.HandlePatternMatch(ctx, match); err != nil {
			d.logger.Errorw("Failed to handle pattern match",
				"pattern", match.PatternType,
				"event_id", event.EventID,
				"error", err)
		}
	}
	for _, result := range ruleResults {
		if !result.Matched {
			// Per-rule failures are reported by the evaluator's own
			// execution history; they produce no incident.
			continue
		}
		if err := d.handler.HandleRuleMatch(ctx, result, event); err != nil {
			d.logger.Errorw("Failed to handle rule match",
				"rule_id", result.RuleID,
				"event_id", event.EventID,
				"error", err)
		}
	}
}
