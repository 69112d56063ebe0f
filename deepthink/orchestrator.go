// Package deepthink runs multi-expert reasoning: a planning call decomposes
// the query into expert personas, the experts stream answers concurrently
// alongside a primary responder, an optional review loop commissions further
// rounds, and a synthesis call merges every expert output into the final
// answer. Progress is published through a workflow.Store.
package deepthink

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/c360studio/deepthink/llm"
	"github.com/c360studio/deepthink/model"
	"github.com/c360studio/deepthink/workflow"
	"github.com/c360studio/deepthink/workflow/prompts"
	"github.com/google/uuid"
)

// BackendFactory builds the backend for a run.
type BackendFactory func(ep llm.Endpoint) (llm.Backend, error)

// Orchestrator drives deep-think runs for one session. At most one run is
// live at a time; starting a run supersedes the previous one.
type Orchestrator struct {
	store      *workflow.Store
	registry   *model.Registry
	newBackend BackendFactory
	retry      llm.RetryConfig
	metrics    *Metrics
	logger     *slog.Logger

	managerPrompt string
	reviewPrompt  string

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithBackendFactory overrides how backends are built. The default is
// llm.NewBackend, which needs the providers package linked in.
func WithBackendFactory(f BackendFactory) Option {
	return func(o *Orchestrator) {
		o.newBackend = f
	}
}

// WithRegistry sets the model registry used to resolve endpoints.
func WithRegistry(r *model.Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithRetryConfig sets the retry policy for every backend call.
func WithRetryConfig(cfg llm.RetryConfig) Option {
	return func(o *Orchestrator) {
		o.retry = cfg
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithStore sets the state store. Useful when observers subscribe before
// the orchestrator exists.
func WithStore(s *workflow.Store) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithSystemPrompts overrides the planning and review system prompts.
// Empty values keep the built-in prompt.
func WithSystemPrompts(manager, review string) Option {
	return func(o *Orchestrator) {
		if manager != "" {
			o.managerPrompt = manager
		}
		if review != "" {
			o.reviewPrompt = review
		}
	}
}

// New creates an orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		newBackend:    llm.NewBackend,
		retry:         llm.DefaultRetryConfig(),
		logger:        slog.Default(),
		managerPrompt: prompts.ManagerSystemPrompt(),
		reviewPrompt:  prompts.ReviewSystemPrompt(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = workflow.NewStore(workflow.WithStoreLogger(o.logger))
	}
	if o.registry == nil {
		o.registry, _ = model.NewRegistry()
	}
	return o
}

// Run executes one run and blocks until it completes or is cancelled.
// Stage failures degrade instead of failing the run; the error is non-nil
// only when the request is invalid, the backend cannot be built, or the run
// is cancelled (errors.Is(err, context.Canceled)).
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, cfg RunConfig) error {
	o.wg.Add(1)
	defer o.wg.Done()

	r, runCtx, err := o.begin(ctx, req, cfg)
	if err != nil {
		return err
	}
	return r.execute(runCtx)
}

// Start begins a run and returns once it is live. Progress is observed via
// Snapshot or Subscribe. The run stops when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest, cfg RunConfig) error {
	r, runCtx, err := o.begin(ctx, req, cfg)
	if err != nil {
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := r.execute(runCtx); err != nil && !llm.IsCanceled(err) {
			r.log.Error("Run failed", "error", err)
		}
	}()
	return nil
}

// Cancel stops the live run. It reports false, changing nothing, when no run
// is live.
func (o *Orchestrator) Cancel() bool {
	if !o.store.Cancel() {
		return false
	}
	o.logger.Info("Run cancelled by request")
	return true
}

// Wait blocks until every run started on this orchestrator has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Snapshot returns a copy of the current run state.
func (o *Orchestrator) Snapshot() workflow.RunState {
	return o.store.Snapshot()
}

// Subscribe streams run state snapshots. See workflow.Store.Subscribe.
func (o *Orchestrator) Subscribe() (<-chan workflow.RunState, func()) {
	return o.store.Subscribe()
}

// begin validates the request, supersedes any live run, and builds the
// backend. A backend failure leaves the store Idle.
func (o *Orchestrator) begin(ctx context.Context, req RunRequest, cfg RunConfig) (*run, context.Context, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cfg = cfg.withDefaults()
	modelName := req.modelName()

	runID := uuid.New().String()
	runCtx, token := o.store.StartRun(ctx, runID)
	log := o.logger.With("run_id", runID, "model", modelName)

	ep := o.registry.Resolve(modelName, model.Credentials{
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
	})
	backend, err := o.newBackend(ep)
	if err != nil {
		o.store.Fail(token)
		o.metrics.runFinished(outcomeFailed)
		log.Error("Failed to create backend", "provider", ep.Provider, "error", err)
		return nil, nil, err
	}

	log.Info("Run started",
		"provider", ep.Provider,
		"recursive", cfg.EnableRecursiveRefinement,
		"attachments", len(req.Attachments))

	return &run{
		o:       o,
		store:   o.store,
		token:   token,
		backend: backend,
		apiKey:  ep.APIKey,
		req:     req,
		cfg:     cfg,
		model:   modelName,
		budgets: cfg.budgets(modelName),
		history: prompts.RecentHistory(req.History, cfg.HistoryTurns),
		log:     log,
	}, runCtx, nil
}

// run is the state of one in-flight run.
type run struct {
	o       *Orchestrator
	store   *workflow.Store
	token   workflow.Token
	backend llm.Backend
	apiKey  llm.Secret

	req     RunRequest
	cfg     RunConfig
	model   string
	budgets stageBudgets
	history string

	log *slog.Logger
}

// execute drives the state machine from Analyzing to Completed.
func (r *run) execute(ctx context.Context) error {
	primary := workflow.NewExpertRecord(PrimaryExpertID, workflow.ExpertSpec{
		Role:        PrimaryRole,
		Description: PrimaryDescription,
		Temperature: PrimaryTemperature,
		Prompt:      r.req.Query,
	}, 1)
	idx, ok := r.store.AppendExperts(r.token, primary)
	if !ok {
		return r.abort(ctx)
	}

	primaryDone := make(chan struct{})
	go func() {
		defer close(primaryDone)
		r.runExpert(ctx, idx, primary)
	}()

	analysis := r.plan(ctx)
	if ctx.Err() != nil {
		<-primaryDone
		return r.abort(ctx)
	}
	r.store.SetAnalysis(r.token, &analysis)

	first := expertRecords(1, analysis.Experts)
	start, _ := r.store.AppendExperts(r.token, first...)
	r.store.SetPhase(r.token, workflow.PhaseExpertsWorking)
	r.runRound(ctx, start, first, primaryDone)

	round := 1
	if r.cfg.EnableRecursiveRefinement && len(analysis.Experts) > 0 {
		for round < r.cfg.MaxRounds {
			if ctx.Err() != nil {
				return r.abort(ctx)
			}
			r.store.SetPhase(r.token, workflow.PhaseReviewing)

			review := r.review(ctx)
			if ctx.Err() != nil {
				return r.abort(ctx)
			}
			if review.Satisfied || len(review.RefinedExperts) == 0 {
				r.log.Info("Review loop finished", "round", round, "satisfied", review.Satisfied)
				break
			}

			round++
			r.log.Info("Starting refinement round",
				"round", round,
				"experts", len(review.RefinedExperts),
				"strategy", review.NextRoundStrategy)

			next := expertRecords(round, review.RefinedExperts)
			r.store.SetRound(r.token, round)
			start, _ := r.store.AppendExperts(r.token, next...)
			r.store.SetPhase(r.token, workflow.PhaseExpertsWorking)
			r.runRound(ctx, start, next, nil)
		}
	}

	if ctx.Err() != nil {
		return r.abort(ctx)
	}
	r.store.SetPhase(r.token, workflow.PhaseSynthesizing)
	r.synthesize(ctx)

	if ctx.Err() != nil || !r.store.Complete(r.token) {
		return r.abort(ctx)
	}
	r.o.metrics.runFinished(outcomeCompleted)
	r.o.metrics.roundsCompleted(round)
	r.log.Info("Run completed", "rounds", round)
	return nil
}

// abort records a cancelled run. The store is moved to Idle only if this
// run still owns it.
func (r *run) abort(ctx context.Context) error {
	r.store.Fail(r.token)
	r.o.metrics.runFinished(outcomeCancelled)
	r.log.Info("Run stopped before completion")

	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// errStale is returned internally when a write is refused because the run
// no longer owns the store.
var errStale = errors.New("run superseded")
