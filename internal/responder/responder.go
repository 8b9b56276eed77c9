// Package responder turns each decision event into exactly one TrustDecision.
// It classifies the question, reads trust and breaker state, asks the CBR
// engine for a prediction, walks the strategy chain, records the decision,
// and submits autonomous answers. No failure inside per-event processing
// escapes to the caller's event loop: every failure degrades to the safest
// action.
package responder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trustgate/internal/classifier"
	"trustgate/internal/config"
	"trustgate/internal/dedup"
	"trustgate/internal/logging"
	"trustgate/internal/prediction"
	"trustgate/internal/router"
	"trustgate/internal/submit"
	"trustgate/internal/trust"
	"trustgate/internal/types"
)

// ErrDuplicate is returned by Process for an id that was already handled.
var ErrDuplicate = errors.New("duplicate decision event")

// Predictor is the CBR capability the responder needs.
type Predictor interface {
	Predict(ctx context.Context, question, category string, meta map[string]interface{}) (types.PredictionResult, error)
	RecordOutcome(ctx context.Context, o prediction.Outcome) error
	Stats() prediction.Stats
}

// Submitter delivers autonomous answers and status notifications.
type Submitter interface {
	Submit(ctx context.Context, notificationID, value string) submit.Result
	Notify(ctx context.Context, n submit.NotifyRequest) bool
}

// Deps are the collaborators. Submitter may be nil, which makes act
// unavailable.
type Deps struct {
	Classifier classifier.Classifier
	Registry   *trust.Registry
	Router     *router.SmartRouter
	Predictor  Predictor
	Sink       types.DecisionSink
	Seen       dedup.Set
	Submitter  Submitter
}

// Options tunes processing.
type Options struct {
	Policy            Policy
	Chain             []Strategy // nil = DefaultChain(Policy)
	PredictionTimeout time.Duration
	MaxConcurrency    int
	NotifyOn          []types.Action
	DefaultDomain     string // "" = classifier name
}

// OptionsFromConfig extracts responder options.
func OptionsFromConfig(cfg *config.Config) Options {
	notify := make([]types.Action, 0, len(cfg.Submission.NotifyOn))
	for _, a := range cfg.Submission.NotifyOn {
		notify = append(notify, types.Action(a))
	}
	return Options{
		Policy:            PolicyFromConfig(cfg),
		PredictionTimeout: cfg.GetPredictionTimeout(),
		MaxConcurrency:    cfg.Responder.MaxConcurrency,
		NotifyOn:          notify,
	}
}

// Responder is the strategy-chain orchestrator.
type Responder struct {
	deps     Deps
	opts     Options
	chain    []Strategy
	notifyOn map[types.Action]bool
	now      func() time.Time

	group *errgroup.Group

	mu      sync.Mutex
	counts  map[types.Action]int
	skipped int
}

// New creates a responder.
func New(deps Deps, opts Options) (*Responder, error) {
	switch {
	case deps.Classifier == nil:
		return nil, fmt.Errorf("responder requires a classifier")
	case deps.Registry == nil:
		return nil, fmt.Errorf("responder requires a trust registry")
	case deps.Router == nil:
		return nil, fmt.Errorf("responder requires a router")
	case deps.Predictor == nil:
		return nil, fmt.Errorf("responder requires a predictor")
	case deps.Sink == nil:
		return nil, fmt.Errorf("responder requires a decision sink")
	case deps.Seen == nil:
		return nil, fmt.Errorf("responder requires a dedup set")
	}
	if opts.PredictionTimeout <= 0 {
		opts.PredictionTimeout = 10 * time.Second
	}
	if opts.DefaultDomain == "" {
		opts.DefaultDomain = deps.Classifier.Name()
	}
	chain := opts.Chain
	if chain == nil {
		chain = DefaultChain(opts.Policy)
	}
	notifyOn := make(map[types.Action]bool, len(opts.NotifyOn))
	for _, a := range opts.NotifyOn {
		notifyOn[a] = true
	}

	g := &errgroup.Group{}
	if opts.MaxConcurrency > 0 {
		g.SetLimit(opts.MaxConcurrency)
	}
	return &Responder{
		deps:     deps,
		opts:     opts,
		chain:    chain,
		notifyOn: notifyOn,
		now:      time.Now,
		group:    g,
		counts:   make(map[types.Action]int),
	}, nil
}

// =============================================================================
// EVENT HANDLING
// =============================================================================

// HandleEvent schedules ev for processing and returns once a worker slot is
// taken. It blocks while MaxConcurrency events are in flight, which pushes
// back on the listener's read loop. Processing outlives ctx cancellation so
// an accepted event always ends in a recorded decision.
func (r *Responder) HandleEvent(ctx context.Context, ev types.DecisionEvent) {
	work := context.WithoutCancel(ctx)
	r.group.Go(func() error {
		if _, err := r.Process(work, ev); err != nil && !errors.Is(err, ErrDuplicate) {
			logging.Get(logging.CategoryResponder).Error("event %s: %v", ev.ID, err)
		}
		return nil
	})
}

// Wait blocks until every scheduled event has been processed.
func (r *Responder) Wait() {
	_ = r.group.Wait()
}

// Process handles one event synchronously and returns the recorded decision.
func (r *Responder) Process(ctx context.Context, ev types.DecisionEvent) (decision *types.TrustDecision, err error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	first, err := r.deps.Seen.MarkSeen(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check dedup set: %w", err)
	}
	if !first {
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
		logging.ResponderDebug("skipping duplicate event %s", ev.ID)
		return nil, ErrDuplicate
	}

	timer := logging.StartTimer(logging.CategoryResponder, "Process")
	defer timer.Stop()

	now := r.now()
	s := &Situation{Event: ev, Now: now, CanSubmit: r.deps.Submitter != nil}

	defer func() {
		if p := recover(); p != nil {
			logging.Get(logging.CategoryResponder).Error("panic processing %s: %v", ev.ID, p)
			decision, err = r.recordPanic(ctx, s, p)
		}
	}()

	r.evaluate(ctx, s)
	name, verdict := Choose(r.chain, s)
	d := r.buildDecision(s, name, verdict)

	if err := r.deps.Sink.RecordDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to record decision for %s: %w", ev.ID, err)
	}
	r.count(d.Action)
	logging.Responder("%s %s/%s -> %s via %s (level %d/%d, confidence %.2f)",
		ev.ID, d.Domain, d.Category, d.Action, name, d.TrustLevel, d.EffectiveLevel, d.Confidence)

	if d.Action == types.ActionAct {
		r.submit(ctx, d)
	}
	if r.notifyOn[d.Action] && r.deps.Submitter != nil {
		r.notify(ctx, d)
	}
	return &d, nil
}

// evaluate fills in classification, state, and prediction.
func (r *Responder) evaluate(ctx context.Context, s *Situation) {
	ev := s.Event
	s.Classification = classifier.Resolve(ctx, r.deps.Classifier, ev)
	category := s.Classification.Category

	key := types.TrustKey{Domain: r.domainOf(ev), Category: category}
	s.Trust = r.deps.Registry.Trust.Observe(ctx, key, s.Now)
	s.Breaker = r.deps.Registry.Breakers.Status(ctx, category, s.Now)
	s.CapLevel = classifier.CapLevel(r.deps.Classifier, category)
	s.EffectiveLevel = min(s.Trust.TrustLevel, s.CapLevel)
	s.HumanReachable = r.deps.Router.HumanReachable(s.Now)

	pctx, cancel := context.WithTimeout(ctx, r.opts.PredictionTimeout)
	defer cancel()
	s.Prediction, s.PredictionErr = r.predict(pctx, ev, category)
	if s.PredictionErr != nil {
		logging.Get(logging.CategoryResponder).Warn("prediction for %s failed: %v", ev.ID, s.PredictionErr)
	}
}

// predict converts a predictor panic into an error.
func (r *Responder) predict(ctx context.Context, ev types.DecisionEvent, category string) (res types.PredictionResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: predictor panicked: %v", prediction.ErrPredictionFailed, p)
		}
	}()
	res, err = r.deps.Predictor.Predict(ctx, ev.Question, category, ev.Context)
	if err == nil && ctx.Err() != nil {
		// Late answers after the deadline are failures too.
		err = fmt.Errorf("%w: %v", prediction.ErrPredictionFailed, ctx.Err())
	}
	return res, err
}

func (r *Responder) domainOf(ev types.DecisionEvent) string {
	if ev.Domain != "" {
		return ev.Domain
	}
	return r.opts.DefaultDomain
}

func (r *Responder) buildDecision(s *Situation, strategy string, v Verdict) types.TrustDecision {
	level := s.Trust.TrustLevel
	if level == 0 {
		level = types.MinTrustLevel
	}
	category := s.Classification.Category
	if category == "" {
		category = types.GeneralCategory
	}
	d := types.TrustDecision{
		ID:             uuid.NewString(),
		NotificationID: s.Event.ID,
		Domain:         r.domainOf(s.Event),
		Category:       category,
		Question:       s.Event.Question,
		SenderID:       s.Event.SenderID,
		Action:         v.Action,
		TrustLevel:     level,
		EffectiveLevel: s.EffectiveLevel,
		Strategy:       strategy,
		Reason:         v.Reason,
		Timestamp:      s.Now,
	}
	if s.PredictionErr == nil {
		d.PredictedValue = s.Prediction.Value
		d.Confidence = s.Prediction.Confidence
		d.Method = s.Prediction.Method
	}
	if v.Action.CarriesValue() {
		value := s.Prediction.Value
		d.DecisionValue = &value
	}
	return d
}

// recordPanic records the conservative decision for a processing panic.
func (r *Responder) recordPanic(ctx context.Context, s *Situation, p interface{}) (*types.TrustDecision, error) {
	d := r.buildDecision(s, "panic", conservative(s, fmt.Sprintf("processing panicked: %v", p)))
	d.PredictedValue, d.Confidence, d.Method = "", 0, ""
	if err := r.deps.Sink.RecordDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to record fallback decision for %s: %w", s.Event.ID, err)
	}
	r.count(d.Action)
	return &d, nil
}

func (r *Responder) submit(ctx context.Context, d types.TrustDecision) {
	res := r.deps.Submitter.Submit(ctx, d.NotificationID, *d.DecisionValue)
	rec := types.SubmissionRecord{
		DecisionID:  d.ID,
		Success:     res.OK,
		Error:       res.Error,
		AttemptedAt: r.now(),
	}
	if !res.OK {
		logging.Get(logging.CategoryResponder).Warn("decision %s acted but unsubmitted: %s", d.ID, res.Error)
	}
	if err := r.deps.Sink.RecordSubmission(ctx, rec); err != nil {
		logging.Get(logging.CategoryResponder).Error("failed to record submission for %s: %v", d.ID, err)
	}
}

func (r *Responder) notify(ctx context.Context, d types.TrustDecision) {
	priority := submit.PriorityLow
	switch d.Action {
	case types.ActionDefer:
		priority = submit.PriorityHigh
	case types.ActionSuggest:
		priority = submit.PriorityNormal
	}
	msg := fmt.Sprintf("[%s] %s: %s", d.Action, d.Category, d.Question)
	if d.DecisionValue != nil {
		msg += fmt.Sprintf(" (suggested %s at %.2f)", *d.DecisionValue, d.Confidence)
	}
	r.deps.Submitter.Notify(ctx, submit.NotifyRequest{Message: msg, Priority: priority, SenderID: d.SenderID})
}

func (r *Responder) count(a types.Action) {
	r.mu.Lock()
	r.counts[a]++
	r.mu.Unlock()
}

// =============================================================================
// STATUS
// =============================================================================

// Counts is how many decisions of each action were recorded since start.
type Counts struct {
	Actions    map[types.Action]int `json:"actions"`
	Duplicates int                  `json:"duplicates"`
}

// Counts returns a snapshot of the action counters.
func (r *Responder) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Counts{Actions: make(map[types.Action]int, len(r.counts)), Duplicates: r.skipped}
	for a, n := range r.counts {
		out.Actions[a] = n
	}
	return out
}

// TrustStates returns every known trust state.
func (r *Responder) TrustStates() []types.TrustState {
	return r.deps.Registry.Trust.Snapshot()
}

// BreakerStates returns every known breaker, with lazy transitions applied.
func (r *Responder) BreakerStates() []types.BreakerState {
	return r.deps.Registry.Breakers.Snapshot(r.now())
}

// PredictionStats returns the prediction accuracy counters.
func (r *Responder) PredictionStats() prediction.Stats {
	return r.deps.Predictor.Stats()
}
