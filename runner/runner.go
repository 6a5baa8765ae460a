// Package runner evaluates an organization's active rules against a batch of
// contacts, gates matches through the cooldown store and hands firings to the
// dispatcher.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fulcrum-co/pulse-laravel-sub005/cooldown"
	"github.com/fulcrum-co/pulse-laravel-sub005/dispatch"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/logger"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/metrics"
	"github.com/fulcrum-co/pulse-laravel-sub005/outcome"
	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
)

const (
	DefaultConcurrency     = 8
	DefaultDispatchTimeout = 30 * time.Second
)

var tracer = otel.Tracer("pulse/runner")

// Contact is one contact's prepared signal snapshot.
type Contact struct {
	ID       string         `json:"contact_id"`
	Snapshot rules.Snapshot `json:"snapshot"`
}

// Dispatcher is satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) dispatch.Result
}

// ReplayOptions controls Replay. A non-live replay writes nothing and
// dispatches nothing.
type ReplayOptions struct {
	Live bool
}

// BatchReport summarizes one batch. Outcomes holds every outcome the batch
// produced, recorded or not, ordered by contact then rule.
type BatchReport struct {
	Outcomes        []*outcome.Outcome `json:"outcomes"`
	Evaluated       int                `json:"evaluated"`
	Matched         int                `json:"matched"`
	Fired           int                `json:"fired"`
	SkippedCooldown int                `json:"skipped_cooldown"`
	Failed          int                `json:"failed"`
	DispatchFailed  int                `json:"dispatch_failed"`
	CooldownErrors  int                `json:"cooldown_errors"`
	Canceled        bool               `json:"canceled"`
	Live            bool               `json:"live"`
}

// Runner runs batches. It holds no per-batch state and is safe for
// concurrent use, including overlapping batches for the same org.
type Runner struct {
	cooldown        cooldown.Store
	outcomes        outcome.Store
	dispatcher      Dispatcher
	metrics         *metrics.Metrics
	concurrency     int
	dispatchTimeout time.Duration
	now             func() time.Time
}

type Option func(*Runner)

// WithConcurrency bounds how many (rule, contact) pairs run at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithDispatchTimeout bounds the post-match work of one pair: the cooldown
// check-and-set, the dispatch and the outcome write.
func WithDispatchTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.dispatchTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func New(cd cooldown.Store, outcomes outcome.Store, d Dispatcher, opts ...Option) (*Runner, error) {
	if cd == nil || outcomes == nil || d == nil {
		return nil, errors.New("runner: cooldown store, outcome store and dispatcher are required")
	}
	r := &Runner{
		cooldown:        cd,
		outcomes:        outcomes,
		dispatcher:      d,
		concurrency:     DefaultConcurrency,
		dispatchTimeout: DefaultDispatchTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Prepare computes the engine's derived signals for every contact.
func Prepare(en *rules.Engine, contacts []Contact) []Contact {
	out := make([]Contact, len(contacts))
	for i, c := range contacts {
		out[i] = Contact{ID: c.ID, Snapshot: en.PrepareSnapshot(c.Snapshot)}
	}
	return out
}

// Run evaluates ruleSet against contacts as a live batch. Snapshots must
// already be prepared. Canceling ctx stops new pairs from starting; pairs
// already past evaluation finish their dispatch.
func (r *Runner) Run(ctx context.Context, orgID string, ruleSet []*rules.Rule, contacts []Contact) (*BatchReport, error) {
	return r.run(ctx, orgID, ruleSet, contacts, true)
}

// Replay evaluates ruleSet against historical snapshots. Unless opts.Live is
// set it only reads cooldown state and reports what would have fired.
func (r *Runner) Replay(ctx context.Context, orgID string, ruleSet []*rules.Rule, contacts []Contact, opts ReplayOptions) (*BatchReport, error) {
	return r.run(ctx, orgID, ruleSet, contacts, opts.Live)
}

func (r *Runner) run(ctx context.Context, orgID string, ruleSet []*rules.Rule, contacts []Contact, live bool) (*BatchReport, error) {
	if orgID == "" {
		return nil, errors.New("runner: org id is required")
	}

	mode := "replay"
	if live {
		mode = "live"
	}
	start := time.Now()
	defer func() { r.metrics.ObserveBatch(mode, time.Since(start)) }()

	ctx, span := tracer.Start(ctx, "runner.batch", trace.WithAttributes(
		attribute.String("pulse.org_id", orgID),
		attribute.String("pulse.mode", mode),
		attribute.Int("pulse.contacts", len(contacts)),
	))
	defer span.End()

	active := activeFor(orgID, ruleSet)
	report := &BatchReport{Live: live, Outcomes: []*outcome.Outcome{}}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.concurrency)

schedule:
	for _, c := range contacts {
		for _, rule := range active {
			if ctx.Err() != nil {
				mu.Lock()
				report.Canceled = true
				mu.Unlock()
				break schedule
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					mu.Lock()
					report.Canceled = true
					mu.Unlock()
					return nil
				}
				res := r.runPair(ctx, orgID, rule, c, live)
				mu.Lock()
				report.add(res)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	sort.SliceStable(report.Outcomes, func(i, j int) bool {
		a, b := report.Outcomes[i], report.Outcomes[j]
		if a.ContactID != b.ContactID {
			return a.ContactID < b.ContactID
		}
		return a.RuleID < b.RuleID
	})

	span.SetAttributes(
		attribute.Int("pulse.evaluated", report.Evaluated),
		attribute.Int("pulse.fired", report.Fired),
	)
	if report.Canceled {
		span.SetStatus(codes.Error, "batch canceled")
	}

	logger.With("org_id", orgID, "mode", mode).Info("Batch finished",
		"contacts", len(contacts), "rules", len(active),
		"evaluated", report.Evaluated, "matched", report.Matched, "fired", report.Fired,
		"skipped_cooldown", report.SkippedCooldown, "failed", report.Failed,
		"cooldown_errors", report.CooldownErrors, "canceled", report.Canceled,
		"duration", time.Since(start))

	if report.Canceled {
		return report, ctx.Err()
	}
	return report, nil
}

// activeFor copies the rules that belong to orgID and are active, so edits
// made while the batch runs are not observed.
func activeFor(orgID string, ruleSet []*rules.Rule) []*rules.Rule {
	out := make([]*rules.Rule, 0, len(ruleSet))
	for _, rule := range ruleSet {
		if rule == nil || !rule.Active {
			continue
		}
		if rule.OrgID != "" && rule.OrgID != orgID {
			continue
		}
		out = append(out, rule.Clone())
	}
	return out
}

type pairResult struct {
	outcome       *outcome.Outcome
	matched       bool
	cooldownError bool
}

func (b *BatchReport) add(res pairResult) {
	b.Evaluated++
	if res.matched {
		b.Matched++
	}
	if res.cooldownError {
		b.CooldownErrors++
	}
	o := res.outcome
	if o == nil {
		return
	}
	b.Outcomes = append(b.Outcomes, o)
	switch o.Status {
	case outcome.StatusFired:
		b.Fired++
		if o.DispatchResult == outcome.DispatchFailed {
			b.DispatchFailed++
		}
	case outcome.StatusSkippedCooldown:
		b.SkippedCooldown++
	case outcome.StatusEvaluationFailed:
		b.Failed++
	}
}

func (r *Runner) runPair(ctx context.Context, orgID string, rule *rules.Rule, c Contact, live bool) (res pairResult) {
	ctx, span := tracer.Start(ctx, "runner.pair", trace.WithAttributes(
		attribute.String("pulse.rule_id", rule.ID),
		attribute.String("pulse.contact_id", c.ID),
	))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%w: %v", rules.ErrEvaluationPanic, p)
			span.RecordError(err)
			res = pairResult{outcome: r.failed(ctx, orgID, rule, c, err, live)}
		}
	}()

	now := r.now()
	result := rules.EvaluateRule(rule, c.Snapshot)
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "evaluation failed")
		return pairResult{outcome: r.failed(ctx, orgID, rule, c, result.Error, live)}
	}
	if !result.Matched {
		r.metrics.ObserveEvaluation(orgID, "not_matched")
		return pairResult{}
	}
	r.metrics.ObserveEvaluation(orgID, "matched")

	// Past this point the pair completes even if the batch is canceled.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.dispatchTimeout)
	defer cancel()

	o := &outcome.Outcome{
		OrgID:            orgID,
		RuleID:           rule.ID,
		ContactID:        c.ID,
		MatchedAt:        now,
		MatchedLeafPaths: result.MatchedPaths,
		Live:             live,
	}

	eligible, err := r.gate(wctx, orgID, rule, c.ID, now, live)
	if err != nil {
		r.metrics.CooldownFailure()
		span.RecordError(err)
		logger.AlertCooldownStore("Cooldown store failed, skipping firing",
			"org_id", orgID, "rule_id", rule.ID, "contact_id", c.ID, "error", err)
		return pairResult{matched: true, cooldownError: true}
	}

	if !eligible {
		o.Status = outcome.StatusSkippedCooldown
		o.DispatchResult = outcome.DispatchSkipped
		r.record(wctx, o)
		return pairResult{outcome: o, matched: true}
	}

	o.Status = outcome.StatusFired
	o.DispatchedAction = rule.OutputAction
	if !live {
		o.DispatchResult = outcome.DispatchSkipped
		r.record(wctx, o)
		return pairResult{outcome: o, matched: true}
	}

	o.EventID = uuid.Must(uuid.NewV7()).String()
	span.SetAttributes(attribute.String("pulse.event_id", o.EventID))

	dres := r.dispatcher.Dispatch(wctx, dispatch.Event{
		ID:               o.EventID,
		OrgID:            orgID,
		Rule:             rule,
		ContactID:        c.ID,
		MatchedAt:        now,
		MatchedLeafPaths: result.MatchedPaths,
		Snapshot:         c.Snapshot,
	})
	o.DispatchResult = dres.Status
	o.AIRationale = dres.Rationale
	o.AnnotationStatus = dres.Annotation
	if dres.Err != nil {
		o.DispatchError = dres.Err.Error()
		span.RecordError(dres.Err)
	}

	r.record(wctx, o)
	return pairResult{outcome: o, matched: true}
}

// gate consumes the cooldown on live runs and only reads it otherwise.
func (r *Runner) gate(ctx context.Context, orgID string, rule *rules.Rule, contactID string, now time.Time, live bool) (bool, error) {
	k := cooldown.Key{OrgID: orgID, RuleID: rule.ID, ContactID: contactID}
	if live {
		return r.cooldown.TryAcquire(ctx, k, rule.Cooldown(), now)
	}
	return r.cooldown.IsEligible(ctx, k, rule.Cooldown(), now)
}

func (r *Runner) failed(ctx context.Context, orgID string, rule *rules.Rule, c Contact, err error, live bool) *outcome.Outcome {
	r.metrics.ObserveEvaluation(orgID, "error")
	logger.Error("Rule evaluation failed",
		"org_id", orgID, "rule_id", rule.ID, "contact_id", c.ID, "error", err)

	o := &outcome.Outcome{
		OrgID:          orgID,
		RuleID:         rule.ID,
		ContactID:      c.ID,
		MatchedAt:      r.now(),
		Status:         outcome.StatusEvaluationFailed,
		DispatchResult: outcome.DispatchSkipped,
		DispatchError:  err.Error(),
		Live:           live,
	}
	r.record(context.WithoutCancel(ctx), o)
	return o
}

// record persists live outcomes. Dry-run outcomes are only reported.
func (r *Runner) record(ctx context.Context, o *outcome.Outcome) {
	if !o.Live {
		o.AnnotationStatus = outcome.AnnotationNotRequested
		return
	}
	r.metrics.ObserveOutcome(o.OrgID, string(o.Status))
	if err := r.outcomes.Record(ctx, o); err != nil {
		logger.Error("Failed to record outcome",
			"org_id", o.OrgID, "rule_id", o.RuleID, "contact_id", o.ContactID,
			"event_id", o.EventID, "status", o.Status, "error", err)
	}
}
