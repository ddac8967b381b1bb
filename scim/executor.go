package scim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ExecutorConfig bounds concurrency and retries of plan execution.
type ExecutorConfig struct {
	DryRun         bool
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Concurrency:    4,
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// Executor applies a plan against the provisioning target.
type Executor struct {
	target   ProvisioningTarget
	config   ExecutorConfig
	logger   zerolog.Logger
	recorder AuditRecorder
}

func NewExecutor(target ProvisioningTarget, config ExecutorConfig, logger zerolog.Logger, recorder AuditRecorder) *Executor {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultExecutorConfig().InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	return &Executor{
		target:   target,
		config:   config,
		logger:   logger,
		recorder: recorder,
	}
}

// execution is the mutable state of one Execute call.
type execution struct {
	mu      sync.Mutex
	userIds map[string]string
	teamIds map[string]string
	// failed maps a dependency token to the description of the operation that broke it.
	failed map[string]string
}

func newExecution(observed *TargetState) *execution {
	var ex = &execution{
		userIds: make(map[string]string),
		teamIds: make(map[string]string),
		failed:  make(map[string]string),
	}
	if observed != nil {
		for _, u := range observed.Users {
			ex.userIds[IdentityKey(u.Key)] = u.Id
		}
		for _, t := range observed.Teams {
			ex.teamIds[t.Name] = t.Id
		}
	}
	return ex
}

func userToken(key string) string       { return "user\x00" + key }
func teamToken(name string) string      { return "team\x00" + name }
func membershipToken(key string) string { return "membership\x00" + key }

// provides lists the tokens an operation establishes for later tiers.
func provides(op *Operation) []string {
	switch op.Kind {
	case CreateUser:
		return []string{userToken(op.UserKey)}
	case CreateTeam:
		return []string{teamToken(op.Team)}
	case RemoveTeamMember:
		return []string{membershipToken(op.UserKey)}
	}
	return nil
}

// requires lists the tokens an operation depends on.
func requires(op *Operation) []string {
	switch op.Kind {
	case AddTeamMember:
		return []string{teamToken(op.Team), userToken(op.UserKey)}
	case RemoveTeamMember:
		return []string{teamToken(op.Team)}
	case DeleteUser:
		return []string{membershipToken(op.UserKey)}
	}
	return nil
}

func (ex *execution) blockedBy(op *Operation) (cause string, blocked bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for _, token := range requires(op) {
		if cause, blocked = ex.failed[token]; blocked {
			return
		}
	}
	return
}

func (ex *execution) markFailed(op *Operation, cause string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for _, token := range provides(op) {
		if _, ok := ex.failed[token]; !ok {
			ex.failed[token] = cause
		}
	}
}

// bind fills in target identifiers known at execution time.
func (ex *execution) bind(op Operation) (Operation, []string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(op.UserId) == 0 && len(op.UserKey) > 0 {
		op.UserId = ex.userIds[op.UserKey]
	}
	if len(op.TeamId) == 0 && len(op.Team) > 0 {
		op.TeamId = ex.teamIds[op.Team]
	}
	var dropped []string
	if op.Kind == CreateTeam && len(op.Members) > 0 {
		var members []string
		op.MemberIds = nil
		for _, key := range op.Members {
			if id, ok := ex.userIds[key]; ok && len(id) > 0 {
				members = append(members, key)
				op.MemberIds = append(op.MemberIds, id)
			} else {
				dropped = append(dropped, key)
			}
		}
		op.Members = members
	}
	return op, dropped
}

func (ex *execution) record(op *Operation, result *ApplyResult) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	switch op.Kind {
	case CreateUser:
		if result != nil {
			ex.userIds[op.UserKey] = result.Id
		}
	case CreateTeam:
		if result != nil {
			ex.teamIds[op.Team] = result.Id
		}
	case DeleteUser:
		delete(ex.userIds, op.UserKey)
	}
}

// Execute applies the plan in order and returns one outcome per operation, in plan
// order. Tiers are separated by a barrier; inside a tier, operations touching
// different entities run concurrently up to the configured limit. A failed operation
// does not stop the run, but operations that depend on it are skipped. When ctx is
// cancelled no new operation is dispatched and the remaining ones are reported as
// cancelled; operations already in flight are allowed to finish.
func (e *Executor) Execute(ctx context.Context, plan *SyncPlan, observed *TargetState) []OperationOutcome {
	var outcomes = make([]OperationOutcome, len(plan.Operations))
	for i := range plan.Operations {
		outcomes[i] = OperationOutcome{Index: i, Operation: plan.Operations[i], Status: Cancelled}
	}

	var ex = newExecution(observed)
	var audited = 0
	for _, tier := range splitTiers(plan.Operations) {
		if ctx.Err() != nil {
			break
		}
		if e.config.DryRun {
			for _, i := range tier {
				outcomes[i].Status = WouldApply
			}
		} else {
			var g = new(errgroup.Group)
			g.SetLimit(e.config.Concurrency)
			for _, lane := range splitLanes(plan.Operations, tier) {
				lane := lane
				g.Go(func() error {
					for _, i := range lane {
						if ctx.Err() != nil {
							return nil
						}
						outcomes[i] = e.apply(ctx, ex, i, &plan.Operations[i])
					}
					return nil
				})
			}
			_ = g.Wait()
		}
		for ; audited <= tier[len(tier)-1]; audited++ {
			e.audit(outcomes[audited])
		}
	}
	for ; audited < len(outcomes); audited++ {
		e.audit(outcomes[audited])
	}
	return outcomes
}

func (e *Executor) audit(outcome OperationOutcome) {
	if e.recorder != nil {
		e.recorder.Record(outcome)
	}
}

func (e *Executor) apply(ctx context.Context, ex *execution, index int, planned *Operation) (outcome OperationOutcome) {
	outcome = OperationOutcome{Index: index, Operation: *planned}
	var description = planned.Description()
	var logger = e.logger.With().Int("index", index).Str("op", description).Logger()

	if cause, blocked := ex.blockedBy(planned); blocked {
		outcome.Status = Skipped
		outcome.Cause = cause
		ex.markFailed(planned, cause)
		logger.Warn().Str("cause", cause).Msg("operation skipped")
		return
	}

	var op, dropped = ex.bind(*planned)
	if len(dropped) > 0 {
		logger.Warn().Strs("members", dropped).Msg("initial team members unavailable; creating team without them")
	}
	if err := checkBound(&op); err != nil {
		outcome.Status = Failed
		outcome.Err = &OperationError{Operation: description, Cause: err}
		ex.markFailed(planned, description)
		logger.Error().Err(err).Msg("operation rejected")
		return
	}

	var result *ApplyResult
	var lastErr error
	var policy = backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.config.MaxAttempts-1)), ctx)
	var err = backoff.RetryNotify(func() error {
		outcome.Attempts++
		var er1 error
		if result, er1 = e.target.ApplyOperation(context.WithoutCancel(ctx), &op); er1 != nil {
			lastErr = er1
			if !IsRetryable(er1) {
				return backoff.Permanent(er1)
			}
			return er1
		}
		return nil
	}, policy, func(er1 error, wait time.Duration) {
		logger.Debug().Err(er1).Dur("wait", wait).Int("attempt", outcome.Attempts).Msg("retrying operation")
	})

	if err != nil {
		if lastErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			err = lastErr
		}
		outcome.Status = Failed
		outcome.Err = &OperationError{Operation: description, Attempts: outcome.Attempts, Cause: err}
		ex.markFailed(planned, description)
		logger.Error().Err(err).Int("attempts", outcome.Attempts).Msg("operation failed")
		return
	}

	ex.record(&op, result)
	outcome.Operation = op
	outcome.Status = Applied
	if result != nil {
		outcome.ResourceId = result.Id
	}
	logger.Debug().Int("attempts", outcome.Attempts).Msg("operation applied")
	return
}

func (e *Executor) newBackOff() backoff.BackOff {
	var b = backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.InitialBackoff
	b.MaxInterval = e.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func checkBound(op *Operation) error {
	switch op.Kind {
	case UpdateUser, SuspendUser, DeleteUser:
		if len(op.UserId) == 0 {
			return &InvariantError{Operation: op.Description(), Reason: "user has no target id"}
		}
	case AddTeamMember, RemoveTeamMember:
		if len(op.UserId) == 0 {
			return &InvariantError{Operation: op.Description(), Reason: "user has no target id"}
		}
		if len(op.TeamId) == 0 {
			return &InvariantError{Operation: op.Description(), Reason: "team has no target id"}
		}
	}
	return nil
}

// splitTiers groups consecutive plan indexes by tier.
func splitTiers(ops []Operation) (tiers [][]int) {
	for i := range ops {
		if len(tiers) == 0 || ops[tiers[len(tiers)-1][0]].Kind.Tier() != ops[i].Kind.Tier() {
			tiers = append(tiers, nil)
		}
		tiers[len(tiers)-1] = append(tiers[len(tiers)-1], i)
	}
	return
}

// splitLanes partitions a tier so operations on the same entity run sequentially.
// Membership changes are keyed by team, user changes by identity key.
func splitLanes(ops []Operation, tier []int) (lanes [][]int) {
	var byEntity = make(map[string]int)
	for _, i := range tier {
		var entity string
		switch ops[i].Kind {
		case CreateTeam, AddTeamMember, RemoveTeamMember:
			entity = teamToken(ops[i].Team)
		default:
			entity = userToken(ops[i].UserKey)
		}
		if lane, ok := byEntity[entity]; ok {
			lanes[lane] = append(lanes[lane], i)
			continue
		}
		byEntity[entity] = len(lanes)
		lanes = append(lanes, []int{i})
	}
	return
}
