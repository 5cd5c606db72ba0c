// Package pipeline runs the evaluation workers that turn queued audit
// events into detections, correlations, risk updates and compliance
// evidence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auditcore/internal/alerting"
	"auditcore/internal/compliance"
	"auditcore/internal/correlation"
	"auditcore/internal/detection"
	"auditcore/internal/metrics"
	"auditcore/internal/queue"
	"auditcore/internal/risk"
	"auditcore/internal/rules"
	"auditcore/internal/schema"

	"github.com/google/uuid"
)

// EvaluationTimeoutError reports that a single event's evaluation exceeded
// its time budget.
type EvaluationTimeoutError struct {
	EventID uuid.UUID
	Budget  time.Duration
}

func (e *EvaluationTimeoutError) Error() string {
	return fmt.Sprintf("evaluation of event %s exceeded %s budget", e.EventID, e.Budget)
}

// Config configures the evaluation pipeline.
type Config struct {
	// Workers is the number of concurrent evaluation workers.
	Workers int `yaml:"workers"`

	// QueueSize bounds the inbound event queue.
	QueueSize int `yaml:"queue_size"`

	// EvaluationBudget is the per-event evaluation time limit.
	EvaluationBudget time.Duration `yaml:"evaluation_budget"`

	// MaxRetries is how many times a timed-out or failed evaluation is
	// retried before the event is dead-lettered.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the pause between evaluation retries.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        10000,
		EvaluationBudget: 500 * time.Millisecond,
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.EvaluationBudget <= 0 {
		return fmt.Errorf("evaluation budget must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}

// DeadLetter is an event whose evaluation was abandoned after exhausting
// retries. Dead-lettered events are kept for operator replay, never dropped
// silently.
type DeadLetter struct {
	Event     *schema.AuditEvent `json:"event"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error"`
	FailedAt  time.Time          `json:"failed_at"`
}

// Pipeline consumes queued events and fans each one through the rule
// engine, detection store, correlator, risk scorer and compliance mapper.
type Pipeline struct {
	cfg        Config
	queue      *queue.RingBuffer
	engine     *rules.Engine
	detections *detection.Store
	correlator *correlation.Correlator
	scorer     *risk.Scorer
	mapper     *compliance.Mapper
	dispatcher *alerting.Dispatcher
	metrics    *metrics.Registry
	logger     *slog.Logger

	mu         sync.Mutex
	deadLetter []*DeadLetter

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a pipeline. The dispatcher may be nil when alerting is
// disabled.
func New(cfg Config, engine *rules.Engine, detections *detection.Store,
	correlator *correlation.Correlator, scorer *risk.Scorer,
	mapper *compliance.Mapper, dispatcher *alerting.Dispatcher,
	reg *metrics.Registry, logger *slog.Logger) (*Pipeline, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Pipeline{
		cfg:        cfg,
		queue:      queue.NewRingBuffer(cfg.QueueSize),
		engine:     engine,
		detections: detections,
		correlator: correlator,
		scorer:     scorer,
		mapper:     mapper,
		dispatcher: dispatcher,
		metrics:    reg,
		logger:     logger.With("component", "pipeline"),
	}, nil
}

// Submit enqueues an event for evaluation. A full queue returns
// queue.ErrQueueFull; the caller decides whether to back-pressure.
func (p *Pipeline) Submit(event *schema.AuditEvent) error {
	if err := p.queue.Push(event); err != nil {
		return err
	}
	p.metrics.QueueDepth.Set(float64(p.queue.Len()))
	return nil
}

// Start launches the evaluation workers.
func (p *Pipeline) Start(ctx context.Context) {
	p.baseCtx, p.cancel = context.WithCancel(ctx)
	p.started = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("pipeline started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Stop closes the queue, waits for workers to drain in-flight events and
// cancels the worker context.
func (p *Pipeline) Stop() {
	if !p.started {
		return
	}
	p.queue.Close()
	p.wg.Wait()
	p.cancel()
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()

	for {
		event, err := p.queue.PopContext(p.baseCtx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				p.logger.Error("worker pop failed", "worker", id, "error", err)
			}
			return
		}
		p.metrics.QueueDepth.Set(float64(p.queue.Len()))
		p.process(event)
	}
}

// process evaluates one event, retrying on timeout or transient failure
// and dead-lettering after the retry budget is spent.
func (p *Pipeline) process(event *schema.AuditEvent) {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.EvaluationRetries.Inc()
			select {
			case <-p.baseCtx.Done():
				p.toDeadLetter(event, attempt, p.baseCtx.Err())
				return
			case <-time.After(p.cfg.RetryBackoff):
			}
		}

		evalCtx, cancel := context.WithTimeout(p.baseCtx, p.cfg.EvaluationBudget)
		start := time.Now()
		err := p.evaluate(evalCtx, event)
		cancel()
		p.metrics.EvaluationSeconds.Observe(time.Since(start).Seconds())

		if err == nil {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &EvaluationTimeoutError{EventID: event.EventID, Budget: p.cfg.EvaluationBudget}
			p.metrics.EvaluationTimeouts.Inc()
		}
		lastErr = err
		p.logger.Warn("evaluation failed",
			"event_id", event.EventID, "attempt", attempt+1, "error", err)
	}

	p.toDeadLetter(event, p.cfg.MaxRetries+1, lastErr)
}

func (p *Pipeline) toDeadLetter(event *schema.AuditEvent, attempts int, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	p.mu.Lock()
	p.deadLetter = append(p.deadLetter, &DeadLetter{
		Event:     event,
		Attempts:  attempts,
		LastError: msg,
		FailedAt:  time.Now().UTC(),
	})
	p.mu.Unlock()

	p.metrics.DeadLettered.Inc()
	p.logger.Error("event dead-lettered",
		"event_id", event.EventID, "attempts", attempts, "error", msg)
}

// DeadLetters returns the dead-lettered events.
func (p *Pipeline) DeadLetters() []*DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*DeadLetter, len(p.deadLetter))
	copy(out, p.deadLetter)
	return out
}

// evaluate runs the full per-event chain. Stages that do not take a
// context are bracketed by deadline checks so the budget still binds.
func (p *Pipeline) evaluate(ctx context.Context, event *schema.AuditEvent) error {
	p.scorer.Observe(ctx, event)

	if err := ctx.Err(); err != nil {
		return err
	}

	p.metrics.RulesEvaluated.Inc()
	detections := p.engine.Evaluate(event)

	if len(detections) == 0 {
		if p.mapper != nil {
			return p.mapper.MapEvidence(ctx, event, nil)
		}
		return nil
	}

	for _, d := range detections {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.handleDetection(ctx, event, d)
		if p.mapper != nil {
			if err := p.mapper.MapEvidence(ctx, event, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) handleDetection(ctx context.Context, event *schema.AuditEvent, d *detection.ThreatDetection) {
	if score := p.scorer.ScoreDetection(d); score != nil {
		d.RiskScore = score.Value
	}
	p.detections.Put(d)

	if d.Shadow {
		p.metrics.ShadowDetections.Inc()
		return
	}
	p.metrics.DetectionsFired.WithLabelValues(string(d.Severity)).Inc()

	if p.correlator != nil {
		if group := p.correlator.Correlate(d); group != nil {
			p.logger.Debug("detection correlated",
				"detection_id", d.ID, "group_id", group.ID, "pattern", group.PatternID)
		}
	}

	if p.dispatcher != nil && p.wantsAlert(d.RuleID) {
		p.metrics.AlertsDispatched.Inc()
		// Deliveries outlive the per-event budget.
		p.dispatcher.Dispatch(p.baseCtx, alerting.FromDetection(d))
	}
}

// wantsAlert reports whether the rule requests an alert action.
func (p *Pipeline) wantsAlert(ruleID string) bool {
	rule, err := p.engine.GetRule(ruleID)
	if err != nil {
		return false
	}
	for _, a := range rule.Actions {
		if a.Type == rules.ActionAlert || a.Type == rules.ActionNotify || a.Type == rules.ActionEscalate {
			return true
		}
	}
	return false
}

// QueueMetrics exposes the inbound queue statistics.
func (p *Pipeline) QueueMetrics() queue.QueueMetrics {
	return p.queue.Metrics()
}
