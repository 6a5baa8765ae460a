// Package dispatch turns firing events into external side effects. Each
// output action has one registered Handler that owns its output_config shape.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/fulcrum-co/pulse-laravel-sub005/internal/logger"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/metrics"
	"github.com/fulcrum-co/pulse-laravel-sub005/outcome"
	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
)

var (
	ErrUnknownAction = errors.New("unknown output action")
	ErrInvalidConfig = errors.New("invalid output config")
)

const DefaultAnnotationTimeout = 5 * time.Second

// Event is one firing handed over by the runner.
type Event struct {
	ID               string
	OrgID            string
	Rule             *rules.Rule
	ContactID        string
	MatchedAt        time.Time
	MatchedLeafPaths []string
	Snapshot         rules.Snapshot
}

// Request is what a handler sees. Config is the rule's output_config,
// passed through unmodified.
type Request struct {
	EventID          string
	OrgID            string
	RuleID           string
	RuleName         string
	ContactID        string
	Action           rules.OutputAction
	Config           map[string]any
	MatchedLeafPaths []string
	MatchedAt        time.Time
	Rationale        string
}

// Handler performs the side effect for one output action.
type Handler interface {
	Action() rules.OutputAction
	// Schema returns the JSON Schema for the action's output_config.
	Schema() string
	Handle(ctx context.Context, req Request) error
}

// AnnotationRequest carries what an Annotator may see: the rule's guidance
// and the signal values at the matched paths, not the whole snapshot.
type AnnotationRequest struct {
	RuleID           string
	RuleName         string
	AIContext        string
	ContactID        string
	MatchedLeafPaths []string
	Signals          map[string]any
}

// Annotator produces a natural-language rationale for a firing.
type Annotator interface {
	Annotate(ctx context.Context, req AnnotationRequest) (string, error)
}

// Result is the outcome of one Dispatch call.
type Result struct {
	Status     outcome.DispatchResult
	Err        error
	Rationale  string
	Annotation outcome.AnnotationStatus
	// Duplicate is set when the event was already dispatched.
	Duplicate bool
}

type registered struct {
	Handler
	schema *jsonschema.Schema
}

// Dispatcher routes events to their handlers.
type Dispatcher struct {
	mu                sync.RWMutex
	handlers          map[rules.OutputAction]*registered
	processed         ProcessedStore
	annotator         Annotator
	annotationTimeout time.Duration
	limiter           *rate.Limiter
	metrics           *metrics.Metrics
}

type Option func(*Dispatcher)

func WithProcessedStore(s ProcessedStore) Option {
	return func(d *Dispatcher) { d.processed = s }
}

// WithAnnotator enables AI annotation, each call bounded by timeout.
func WithAnnotator(a Annotator, timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.annotator = a
		if timeout > 0 {
			d.annotationTimeout = timeout
		}
	}
}

// WithRateLimit throttles calls into handlers.
func WithRateLimit(l *rate.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher with no handlers and an in-memory processed store.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers:          make(map[rules.OutputAction]*registered),
		processed:         NewMemoryProcessedStore(),
		annotationTimeout: DefaultAnnotationTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register compiles the handler's schema and installs it, replacing any
// handler for the same action.
func (d *Dispatcher) Register(h Handler) error {
	action := h.Action()
	if !action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	schemaURL := fmt.Sprintf("https://pulse.schemas.local/dispatch/%s.schema.json", action)
	if err := c.AddResource(schemaURL, strings.NewReader(h.Schema())); err != nil {
		return fmt.Errorf("dispatch schema load failed for %s: %w", action, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("dispatch schema compile failed for %s: %w", action, err)
	}

	d.mu.Lock()
	d.handlers[action] = &registered{Handler: h, schema: compiled}
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) handler(action rules.OutputAction) (*registered, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[action]
	return h, ok
}

// ConfigChecker is implemented by handlers whose config has constraints a
// JSON Schema cannot express, such as a reference to a registered template.
// CheckConfig runs after schema validation.
type ConfigChecker interface {
	CheckConfig(config map[string]any) error
}

// ValidateConfig checks output_config against the action handler's schema
// and, when the handler is a ConfigChecker, its own checks. It is used when
// rules are saved.
func (d *Dispatcher) ValidateConfig(action rules.OutputAction, config map[string]any) error {
	h, ok := d.handler(action)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return h.validate(config)
}

func (r *registered) validate(config map[string]any) error {
	doc, err := normalize(config)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c, ok := r.Handler.(ConfigChecker); ok {
		if err := c.CheckConfig(config); err != nil {
			if !errors.Is(err, ErrInvalidConfig) {
				err = fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
			return err
		}
	}
	return nil
}

// normalize turns arbitrary Go values into the JSON data model the schema
// validator understands.
func normalize(config map[string]any) (any, error) {
	if config == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// decodeConfig decodes output_config into a handler's typed config.
func decodeConfig(config map[string]any, v any) error {
	b, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Dispatch runs the event's handler at most once per (action, event id).
// A failed handler releases the claim so a retry can run it again.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) Result {
	start := time.Now()
	res := d.dispatch(ctx, ev)
	d.metrics.ObserveDispatch(string(ev.Rule.OutputAction), string(res.Status), time.Since(start))

	if res.Err != nil {
		logger.Error("Dispatch failed",
			"org_id", ev.OrgID, "rule_id", ev.Rule.ID, "contact_id", ev.ContactID,
			"event_id", ev.ID, "action", ev.Rule.OutputAction, "error", res.Err)
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) Result {
	rule := ev.Rule
	res := Result{Status: outcome.DispatchFailed, Annotation: outcome.AnnotationNotRequested}

	h, ok := d.handler(rule.OutputAction)
	if !ok {
		res.Err = fmt.Errorf("%w: %q", ErrUnknownAction, rule.OutputAction)
		return res
	}
	if err := h.validate(rule.OutputConfig); err != nil {
		res.Err = err
		return res
	}

	action := string(rule.OutputAction)
	claimed, err := d.processed.Claim(ctx, action, ev.ID)
	if err != nil {
		res.Err = fmt.Errorf("idempotency claim: %w", err)
		return res
	}
	if !claimed {
		res.Status = outcome.DispatchSuccess
		res.Duplicate = true
		return res
	}

	if rule.AIAnnotationEnabled {
		res.Rationale, res.Annotation = d.annotate(ctx, ev)
	}

	release := func() {
		if err := d.processed.Release(context.WithoutCancel(ctx), action, ev.ID); err != nil {
			logger.Warn("Failed to release dispatch claim", "event_id", ev.ID, "action", action, "error", err)
		}
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			release()
			res.Err = fmt.Errorf("rate limit wait: %w", err)
			return res
		}
	}

	err = h.Handle(ctx, Request{
		EventID:          ev.ID,
		OrgID:            ev.OrgID,
		RuleID:           rule.ID,
		RuleName:         rule.Name,
		ContactID:        ev.ContactID,
		Action:           rule.OutputAction,
		Config:           rule.OutputConfig,
		MatchedLeafPaths: ev.MatchedLeafPaths,
		MatchedAt:        ev.MatchedAt,
		Rationale:        res.Rationale,
	})
	if err != nil {
		release()
		res.Err = err
		return res
	}

	res.Status = outcome.DispatchSuccess
	return res
}

// annotate never fails the dispatch. The call is abandoned once the timeout
// passes even if the annotator ignores its context.
func (d *Dispatcher) annotate(ctx context.Context, ev Event) (string, outcome.AnnotationStatus) {
	if d.annotator == nil {
		logger.Warn("AI annotation requested but no annotator configured", "rule_id", ev.Rule.ID, "event_id", ev.ID)
		d.metrics.ObserveAnnotation(string(outcome.AnnotationFailed))
		return "", outcome.AnnotationFailed
	}

	req := AnnotationRequest{
		RuleID:           ev.Rule.ID,
		RuleName:         ev.Rule.Name,
		AIContext:        ev.Rule.AIContext,
		ContactID:        ev.ContactID,
		MatchedLeafPaths: ev.MatchedLeafPaths,
		Signals:          make(map[string]any, len(ev.MatchedLeafPaths)),
	}
	for _, path := range ev.MatchedLeafPaths {
		if v, found := ev.Snapshot.Resolve(path); found {
			req.Signals[path] = v
		}
	}

	actx, cancel := context.WithTimeout(ctx, d.annotationTimeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		text, err := d.annotator.Annotate(actx, req)
		done <- reply{text, err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-actx.Done():
		r.err = actx.Err()
	}

	if r.err == nil && strings.TrimSpace(r.text) == "" {
		r.err = errors.New("empty rationale")
	}
	if r.err != nil {
		logger.Warn("AI annotation failed, dispatching without rationale",
			"rule_id", ev.Rule.ID, "event_id", ev.ID, "error", r.err)
		d.metrics.ObserveAnnotation(string(outcome.AnnotationFailed))
		return "", outcome.AnnotationFailed
	}

	d.metrics.ObserveAnnotation(string(outcome.AnnotationSucceeded))
	return strings.TrimSpace(r.text), outcome.AnnotationSucceeded
}
