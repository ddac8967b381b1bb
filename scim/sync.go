package scim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// RunConfig describes one reconciliation run.
type RunConfig struct {
	GroupNames      []string
	IndividualUsers []string
	GroupFilter     []string
	DryRun          bool
	DeleteSuspended bool
	CreateTeams     bool
	UsernameSuffix  string
	SlugTeamNames   bool
	MaxDepth        int
	// AtomicTeamCreate allows initial members in CreateTeam when the target supports it.
	AtomicTeamCreate bool
	Executor         ExecutorConfig
}

func DefaultRunConfig() RunConfig {
	return RunConfig{
		CreateTeams:      true,
		AtomicTeamCreate: true,
		MaxDepth:         DefaultMaxDepth,
		Executor:         DefaultExecutorConfig(),
	}
}

func (c *RunConfig) Validate() error {
	if len(c.GroupNames) == 0 && len(c.IndividualUsers) == 0 {
		return fmt.Errorf("%w: no groups or individual users configured for synchronization", ErrInput)
	}
	return nil
}

// RunReport is the structured result of a run.
type RunReport struct {
	RunId      string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Plan       *SyncPlan
	Outcomes   []OperationOutcome
	// Errors holds run-level errors: input, fetch and planning failures.
	Errors []error
	// Unresolved lists configured groups and users that were not found in scope.
	Unresolved []string
	Cancelled  bool
}

type StatusCounts struct {
	Applied    int
	WouldApply int
	Failed     int
	Skipped    int
	Cancelled  int
}

func (r *RunReport) Counts() (counts StatusCounts) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case Applied:
			counts.Applied++
		case WouldApply:
			counts.WouldApply++
		case Failed:
			counts.Failed++
		case Skipped:
			counts.Skipped++
		case Cancelled:
			counts.Cancelled++
		}
	}
	return
}

// Failures returns the failed and skipped outcomes in plan order.
func (r *RunReport) Failures() (result []OperationOutcome) {
	for _, o := range r.Outcomes {
		if o.Status == Failed || o.Status == Skipped {
			result = append(result, o)
		}
	}
	return
}

// Err combines run-level errors and per-operation failures.
func (r *RunReport) Err() error {
	var err = multierr.Combine(r.Errors...)
	for _, o := range r.Outcomes {
		if o.Status == Failed {
			err = multierr.Append(err, o.Err)
		}
	}
	return err
}

// Succeeded reports whether every planned operation was applied or previewed.
func (r *RunReport) Succeeded() bool {
	if len(r.Errors) > 0 || r.Cancelled {
		return false
	}
	var counts = r.Counts()
	return counts.Failed == 0 && counts.Skipped == 0 && counts.Cancelled == 0
}

// Engine runs reconciliation between a directory source and a provisioning target.
type Engine struct {
	source   DirectorySource
	target   ProvisioningTarget
	logger   zerolog.Logger
	recorder AuditRecorder
}

type EngineOption func(*Engine)

func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithAuditRecorder(recorder AuditRecorder) EngineOption {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

func NewEngine(source DirectorySource, target ProvisioningTarget, opts ...EngineOption) *Engine {
	var e = &Engine{
		source: source,
		target: target,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.recorder == nil {
		e.recorder = NewLogAuditRecorder(e.logger)
	}
	return e
}

// RunSync fetches both snapshots concurrently, plans the changes and executes them.
// Input, fetch and planning errors abort the run before any mutation and are
// returned together with the report. Per-operation failures are reported in the
// outcomes only.
func (e *Engine) RunSync(ctx context.Context, cfg RunConfig) (*RunReport, error) {
	var report = &RunReport{
		RunId:     uuid.NewString(),
		DryRun:    cfg.DryRun,
		StartedAt: time.Now(),
	}
	var logger = e.logger.With().Str("run_id", report.RunId).Logger()
	var fail = func(err error) (*RunReport, error) {
		report.Errors = append(report.Errors, err)
		report.FinishedAt = time.Now()
		logger.Error().Err(err).Msg("synchronization aborted")
		return report, err
	}

	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	if cfg.DryRun {
		logger.Info().Msg("running in dry-run mode, no changes will be made")
	}

	var graph *DirectoryGraph
	var observed *TargetState
	var g, gctx = errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if graph, err = e.source.FetchGroups(gctx, cfg.GroupNames); err != nil {
			return &SourceError{Source: "directory", Cause: err}
		}
		logger.Info().Int("groups", len(graph.Groups)).Int("users", len(graph.Users)).Msg("directory snapshot fetched")
		return nil
	})
	g.Go(func() (err error) {
		if observed, err = e.target.FetchTargetState(gctx); err != nil {
			return &SourceError{Source: "target", Cause: err}
		}
		logger.Info().Int("teams", len(observed.Teams)).Int("users", len(observed.Users)).Msg("target snapshot fetched")
		return nil
	})
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	var plan, unresolved, err = Reconcile(graph, observed, cfg, e.supportsAtomicTeams())
	report.Unresolved = unresolved
	for _, name := range unresolved {
		logger.Warn().Str("name", name).Msg("skipping group or user not found in scope")
	}
	if err != nil {
		return fail(err)
	}
	report.Plan = plan
	logger.Info().Int("operations", len(plan.Operations)).Msg("plan computed")

	var executorConfig = cfg.Executor
	executorConfig.DryRun = cfg.DryRun
	var executor = NewExecutor(e.target, executorConfig, logger, e.recorder)
	report.Outcomes = executor.Execute(ctx, plan, observed)
	report.FinishedAt = time.Now()
	if ctx.Err() != nil {
		report.Cancelled = true
	}

	var counts = report.Counts()
	logger.Info().
		Int("applied", counts.Applied).
		Int("would_apply", counts.WouldApply).
		Int("failed", counts.Failed).
		Int("skipped", counts.Skipped).
		Int("cancelled", counts.Cancelled).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("synchronization completed")
	return report, nil
}

func (e *Engine) supportsAtomicTeams() bool {
	if tc, ok := e.target.(TeamMemberCreator); ok {
		return tc.SupportsCreateTeamWithMembers()
	}
	return false
}

// Reconcile computes the plan for a directory and a target snapshot. It performs no
// I/O. The returned names are configured groups and users that could not be resolved.
func Reconcile(graph *DirectoryGraph, observed *TargetState, cfg RunConfig, atomicTeams bool) (*SyncPlan, []string, error) {
	if graph == nil {
		return nil, nil, fmt.Errorf("%w: directory snapshot is missing", ErrInput)
	}
	var flattened, err = Flatten(graph, cfg.GroupNames, FlattenOptions{
		Filter:   cfg.GroupFilter,
		MaxDepth: cfg.MaxDepth,
	})
	if err != nil {
		return nil, nil, err
	}
	var mapper = AttributeMapper{UsernameSuffix: cfg.UsernameSuffix, SlugTeamNames: cfg.SlugTeamNames}
	var teams []FlattenedTeam
	if teams, err = mapper.MapTeams(flattened.Teams); err != nil {
		return nil, flattened.Unresolved, err
	}
	var desired, missing = BuildDesiredState(graph, teams, cfg.IndividualUsers, mapper)
	var unresolved = append(flattened.Unresolved, missing...)

	var ops []Operation
	if ops, err = Diff(desired, observed, DiffPolicy{
		DeleteSuspended: cfg.DeleteSuspended,
		CreateTeams:     cfg.CreateTeams,
	}); err != nil {
		return nil, unresolved, err
	}
	var plan = BuildPlan(ops, PlanOptions{
		DeleteSuspended:  cfg.DeleteSuspended,
		MergeTeamMembers: cfg.AtomicTeamCreate && atomicTeams,
	})
	if err = ValidatePlan(plan, observed); err != nil {
		return nil, unresolved, err
	}
	return plan, unresolved, nil
}
