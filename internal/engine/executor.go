package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/metrics"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/pkg/schema"
)

// DefaultStepBackoffBase is the sleep after the first failed step attempt.
const DefaultStepBackoffBase = time.Second

// ToolInvoker performs one logical remote tool call.
// Satisfied by *invoker.Invoker and test mocks. Invoke should return once
// ctx is done; when it does not, the engine abandons the call at the
// workflow deadline and discards its late result.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (*schema.ToolResponse, error)
}

// EventPublisher receives execution events. Satisfied by streaming.EventHub.
type EventPublisher interface {
	Publish(ctx context.Context, event streaming.StreamEvent) error
}

// Options configures an Engine.
type Options struct {
	Store   *ExecutionStore
	Invoker ToolInvoker
	Events  EventPublisher   // optional
	Metrics *metrics.Manager // optional
	Logger  *slog.Logger     // optional

	// StepBackoffBase is the first retry sleep; it doubles per attempt.
	StepBackoffBase time.Duration
	// MaxParallel bounds concurrent steps in parallel mode. 0 means unbounded.
	MaxParallel int
	// DefaultTimeout applies to definitions without timeout_minutes.
	DefaultTimeout time.Duration
	Unresolved     UnresolvedPolicy
	JQ             *expressions.JQ
}

// Engine executes validated workflow definitions.
type Engine struct {
	store       *ExecutionStore
	invoker     ToolInvoker
	events      EventPublisher
	metrics     *metrics.Manager
	logger      *slog.Logger
	resolver    *Resolver
	backoffBase time.Duration
	maxParallel int
	timeout     time.Duration
}

// New creates an Engine. A nil Store gets a fresh in-memory one.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Store == nil {
		opts.Store = NewExecutionStore(nil, opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoOpManager()
	}
	if opts.StepBackoffBase <= 0 {
		opts.StepBackoffBase = DefaultStepBackoffBase
	}
	if opts.MaxParallel < 0 {
		opts.MaxParallel = 0
	}
	if opts.DefaultTimeout <= 0 || opts.DefaultTimeout > schema.MaxWorkflowTimeout {
		opts.DefaultTimeout = schema.DefaultWorkflowTimeout
	}
	return &Engine{
		store:       opts.Store,
		invoker:     opts.Invoker,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		resolver:    NewResolver(opts.Unresolved, opts.JQ),
		backoffBase: opts.StepBackoffBase,
		maxParallel: opts.MaxParallel,
		timeout:     opts.DefaultTimeout,
	}
}

// timeoutFor returns the definition's own timeout or the engine default.
func (e *Engine) timeoutFor(def *Definition) time.Duration {
	if def.def.Timeout > 0 {
		return def.def.Timeout
	}
	return e.timeout
}

// Store returns the execution store the engine registers runs in.
func (e *Engine) Store() *ExecutionStore {
	return e.store
}

// Execute runs def to completion and returns the final execution record.
//
// Step failures are recorded on the record and never returned as errors.
// The error is non-nil only for a duplicate execution id, a workflow
// timeout (TIMEOUT), caller cancellation (CANCELLED) or a dependency
// structure that leaves steps unreachable (DEPENDENCY_ERROR). In the last
// three cases the record is returned as well.
func (e *Engine) Execute(ctx context.Context, def *Definition, executionID string, params map[string]any) (*Execution, error) {
	exec, err := e.prepare(def, executionID, params)
	if err != nil {
		return nil, err
	}
	return e.runExecution(ctx, def, exec, params)
}

// Start registers the execution and runs it in the background, detached
// from ctx cancellation. The returned id can be polled through Store.
func (e *Engine) Start(ctx context.Context, def *Definition, executionID string, params map[string]any) (string, error) {
	exec, err := e.prepare(def, executionID, params)
	if err != nil {
		return "", err
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		_, _ = e.runExecution(bg, def, exec, params)
	}()
	return exec.ID, nil
}

func (e *Engine) prepare(def *Definition, executionID string, params map[string]any) (*Execution, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if e.invoker == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine has no tool invoker")
	}
	if executionID == "" {
		executionID = uuid.NewString()
	}

	exec := newExecution(executionID, def, params)
	if err := e.store.register(exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (e *Engine) runExecution(ctx context.Context, def *Definition, exec *Execution, params map[string]any) (*Execution, error) {
	ctx = logging.WithExecutionID(ctx, exec.ID)
	log := logging.LogWith(ctx, e.logger).With(slog.String("workflow_id", def.ID()))

	timeout := e.timeoutFor(def)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := &run{
		engine:    e,
		def:       def,
		exec:      exec,
		params:    params,
		ctx:       runCtx,
		timeout:   timeout,
		log:       log,
		completed: make(map[string]bool, def.Len()),
		failed:    make(map[string]string),
		results:   make(map[string]any, def.Len()),
	}

	var structErr error
	if err := exec.transition(schema.WorkflowStatusInProgress); err != nil {
		log.Info("execution cancelled before start")
	} else {
		e.publish(ctx, exec, "", schema.EventWorkflowStarted, map[string]any{
			"parallel": def.Parallel(),
			"steps":    def.Len(),
		})
		log.Info("execution started", slog.Bool("parallel", def.Parallel()), slog.Int("steps", def.Len()))

		if def.Parallel() {
			structErr = r.parallel()
		} else {
			structErr = r.sequential()
		}
	}

	return e.finish(ctx, r, structErr)
}

// finish decides the final status, archives the record and emits the
// terminal event.
func (e *Engine) finish(ctx context.Context, r *run, structErr error) (*Execution, error) {
	exec := r.exec
	completed, failed := exec.counts()
	total := r.def.Len()
	unfinished := completed+failed < total || r.interrupted

	var (
		retErr    error
		eventType string
		target    schema.WorkflowStatus
	)
	switch {
	case exec.isCancelled():
		eventType = schema.EventWorkflowCancelled

	case unfinished && errors.Is(r.ctx.Err(), context.DeadlineExceeded):
		fe := schema.NewErrorf(schema.ErrCodeTimeout,
			"workflow %s exceeded its timeout of %s", r.def.ID(), r.timeout).
			WithCause(r.ctx.Err())
		exec.setError(fe)
		retErr = fe
		target = schema.WorkflowStatusFailed
		eventType = schema.EventWorkflowTimedOut

	case unfinished && r.ctx.Err() != nil:
		fe := schema.NewError(schema.ErrCodeCancelled, "execution aborted by caller").WithCause(r.ctx.Err())
		exec.setError(fe)
		retErr = fe
		target = schema.WorkflowStatusCancelled
		eventType = schema.EventWorkflowCancelled

	case structErr != nil:
		var fe *schema.FlowError
		if !errors.As(structErr, &fe) {
			fe = schema.NewError(schema.ErrCodeDependency, structErr.Error()).WithCause(structErr)
		}
		exec.setError(fe)
		retErr = structErr
		target = schema.WorkflowStatusFailed
		eventType = schema.EventWorkflowFailed

	default:
		target = finalStatus(completed, failed, total)
		eventType = workflowEventType(target)
	}

	if target != "" {
		if err := exec.transition(target); err != nil {
			// Cancel won the race against the final transition.
			if !exec.isCancelled() {
				r.log.Error("final transition rejected", slog.String("error", err.Error()))
			}
			eventType = schema.EventWorkflowCancelled
		}
	}

	snap := exec.Snapshot()
	var dur time.Duration
	if snap.CompletedAt != nil {
		dur = snap.CompletedAt.Sub(snap.StartedAt)
	}

	e.store.persist(context.WithoutCancel(ctx), exec)
	e.metrics.RecordWorkflow(r.def.ID(), string(snap.Status), dur)
	payload := map[string]any{
		"status":          string(snap.Status),
		"completed_steps": snap.CompletedSteps,
		"failed_steps":    snap.FailedSteps,
	}
	if retErr != nil {
		payload["error"] = retErr.Error()
	}
	e.publish(ctx, exec, "", eventType, payload)

	r.log.Info("execution finished",
		slog.String("status", string(snap.Status)),
		slog.Int("completed", len(snap.CompletedSteps)),
		slog.Int("failed", len(snap.FailedSteps)),
		slog.Duration("duration", dur))

	return snap, retErr
}

// finalStatus applies the status precedence once every step resolved:
// all completed, then some completed with some failed, then failed.
func finalStatus(completed, failed, total int) schema.WorkflowStatus {
	switch {
	case completed == total:
		return schema.WorkflowStatusCompleted
	case completed > 0 && failed > 0:
		return schema.WorkflowStatusPartiallyCompleted
	default:
		return schema.WorkflowStatusFailed
	}
}

// stepResult is the outcome of one step, sent from the step goroutine to
// the controller.
type stepResult struct {
	stepID   string
	ok       bool
	data     any
	err      error
	retries  int
	attempts []string
}

// run is the controller state of one execution. Only the controlling
// goroutine touches it.
type run struct {
	engine  *Engine
	def     *Definition
	exec    *Execution
	params  map[string]any
	ctx     context.Context
	timeout time.Duration
	log     *slog.Logger

	completed   map[string]bool
	failed      map[string]string // step ID → error message
	results     map[string]any
	interrupted bool
}

func (r *run) stopped() bool {
	return r.exec.isCancelled() || r.ctx.Err() != nil
}

// ready returns the remaining steps whose dependencies all completed, in
// definition order.
func (r *run) ready(remaining []string) []string {
	var out []string
	for _, id := range remaining {
		ok := true
		for _, dep := range r.def.graph.Deps[id] {
			if !r.completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *run) sequential() error {
	remaining := r.def.StepIDs()
	for len(remaining) > 0 {
		if r.stopped() {
			return nil
		}

		ready := r.ready(remaining)
		if len(ready) == 0 {
			var n int
			remaining, n = r.cascade(remaining)
			if n == 0 {
				return r.structuralError(remaining)
			}
			continue
		}

		id := ready[0]
		remaining = without(remaining, id)
		step, args, early := r.begin(id)
		if early != nil {
			r.apply(*early)
			continue
		}
		res, done := r.await(step, args)
		if !done {
			r.abandon([]string{id})
			return nil
		}
		r.apply(res)
	}
	return nil
}

// await runs one attempt and waits for it or for the run context,
// whichever ends first. An invoker that ignores its context cannot hold
// the execution past its deadline.
func (r *run) await(step *schema.StepDefinition, args map[string]any) (stepResult, bool) {
	out := make(chan stepResult, 1)
	go func() {
		out <- r.engine.attempt(r.ctx, r.exec, step, args)
	}()
	select {
	case res := <-out:
		return res, true
	case <-r.ctx.Done():
		return stepResult{}, false
	}
}

// drain applies results that arrived before the run context ended.
func (r *run) drain(results <-chan stepResult, inflight map[string]bool) {
	for {
		select {
		case res := <-results:
			delete(inflight, res.stepID)
			r.apply(res)
		default:
			return
		}
	}
}

// abandon fails steps whose attempts are still running when the run
// context ends. Their late results are discarded.
func (r *run) abandon(ids []string) {
	code := schema.ErrCodeCancelled
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		code = schema.ErrCodeTimeout
	}
	for _, id := range ids {
		r.apply(stepResult{
			stepID: id,
			err: schema.NewErrorf(code, "step %s abandoned: %s", id, r.ctx.Err()).
				WithStep(id).WithCause(r.ctx.Err()),
		})
	}
}

func (r *run) parallel() error {
	remaining := r.def.StepIDs()
	size := r.engine.maxParallel
	if size == 0 {
		size = len(remaining)
	}
	pool := NewWorkerPool(size)
	abandoned := false
	defer func() {
		if abandoned {
			pool.Close()
			return
		}
		pool.Shutdown()
	}()

	results := make(chan stepResult, len(remaining))
	inflight := make(map[string]bool)

	for {
		if !r.stopped() {
			for _, id := range r.ready(remaining) {
				remaining = without(remaining, id)
				step, args, early := r.begin(id)
				if early != nil {
					r.apply(*early)
					continue
				}
				err := pool.Submit(r.ctx, func(context.Context) error {
					res := r.engine.attempt(r.ctx, r.exec, step, args)
					results <- res
					return res.err
				})
				if err != nil {
					r.apply(stepResult{stepID: id, err: err})
					continue
				}
				inflight[id] = true
			}
		}

		if len(inflight) == 0 {
			if len(remaining) == 0 || r.stopped() {
				return nil
			}
			var n int
			remaining, n = r.cascade(remaining)
			if n == 0 {
				return r.structuralError(remaining)
			}
			continue
		}

		select {
		case res := <-results:
			delete(inflight, res.stepID)
			r.apply(res)
		case <-r.ctx.Done():
			abandoned = true
			r.drain(results, inflight)
			ids := make([]string, 0, len(inflight))
			for _, id := range r.def.StepIDs() {
				if inflight[id] {
					ids = append(ids, id)
				}
			}
			r.abandon(ids)
			return nil
		}
	}
}

// begin moves id to running and resolves its arguments. A non-nil
// stepResult means the step already failed and must not be invoked.
func (r *run) begin(id string) (*schema.StepDefinition, map[string]any, *stepResult) {
	step, _ := r.def.Step(id)
	if err := r.exec.startStep(id); err != nil {
		return step, nil, &stepResult{stepID: id, err: err}
	}
	r.engine.publish(r.ctx, r.exec, id, stepEventType(schema.StepStatusRunning), map[string]any{"tool": step.Tool})

	args, err := r.engine.resolver.Resolve(r.ctx, step, r.params, r.results)
	if err != nil {
		return step, nil, &stepResult{stepID: id, err: err, attempts: []string{errorMessage(err)}}
	}
	return step, args, nil
}

// apply records a step outcome on the execution.
func (r *run) apply(res stepResult) {
	step, _ := r.def.Step(res.stepID)
	log := r.log.With(slog.String("step_id", res.stepID), slog.String("tool", step.Tool))

	if res.ok {
		if err := r.exec.completeStep(res); err != nil {
			log.Error("cannot record step result", slog.String("error", err.Error()))
			return
		}
		r.completed[res.stepID] = true
		r.results[res.stepID] = res.data
		r.engine.metrics.RecordStep(step.Tool, string(schema.StepStatusCompleted))
		r.engine.publish(r.ctx, r.exec, res.stepID, stepEventType(schema.StepStatusCompleted), map[string]any{"retries": res.retries})
		log.Info("step completed", slog.Int("retries", res.retries))
		return
	}

	if res.err == nil {
		res.err = schema.NewError(schema.ErrCodeStepFailed, "step failed").WithStep(res.stepID)
	}
	if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled) {
		r.interrupted = true
	}
	if err := r.exec.failStep(res); err != nil {
		log.Error("cannot record step failure", slog.String("error", err.Error()))
		return
	}
	msg := errorMessage(res.err)
	r.failed[res.stepID] = msg
	r.engine.metrics.RecordStep(step.Tool, string(schema.StepStatusFailed))
	r.engine.publish(r.ctx, r.exec, res.stepID, stepEventType(schema.StepStatusFailed), map[string]any{
		"error":   msg,
		"retries": res.retries,
	})
	log.Warn("step failed", slog.String("error", msg), slog.Int("retries", res.retries))
}

// cascade fails every remaining step blocked by a failed dependency,
// directly or transitively, without invoking its tool. It returns the
// steps still pending and how many were failed.
func (r *run) cascade(remaining []string) ([]string, int) {
	n := 0
	for changed := true; changed; {
		changed = false
		kept := remaining[:0:0]
		for _, id := range remaining {
			dep, ok := r.failedDependency(id)
			if !ok {
				kept = append(kept, id)
				continue
			}
			step, _ := r.def.Step(id)
			msg := fmt.Sprintf("dependency %q failed: %s", dep, r.failed[dep])
			res := stepResult{
				stepID: id,
				err:    schema.NewError(schema.ErrCodeDependency, msg).WithStep(id),
			}
			if err := r.exec.failStep(res); err != nil {
				r.log.Error("cannot cascade failure", slog.String("step_id", id), slog.String("error", err.Error()))
				kept = append(kept, id)
				continue
			}
			r.failed[id] = msg
			n++
			changed = true
			r.engine.metrics.RecordStep(step.Tool, string(schema.StepStatusFailed))
			r.engine.publish(r.ctx, r.exec, id, schema.EventStepCascaded, map[string]any{
				"dependency": dep,
				"error":      msg,
			})
			r.log.Info("step failed by dependency", slog.String("step_id", id), slog.String("dependency", dep))
		}
		remaining = kept
	}
	return remaining, n
}

// failedDependency returns the first direct dependency of id that failed.
func (r *run) failedDependency(id string) (string, bool) {
	for _, dep := range r.def.graph.Deps[id] {
		if _, ok := r.failed[dep]; ok {
			return dep, true
		}
	}
	return "", false
}

func (r *run) structuralError(remaining []string) error {
	return schema.NewErrorf(schema.ErrCodeDependency,
		"no runnable steps remain: %s", strings.Join(remaining, ", ")).
		WithDetails(map[string]any{"remaining": slices.Clone(remaining)})
}

// attempt invokes the step's tool with one attempt plus MaxRetries retries.
// Auth errors and cancellation stop the retries. It never panics.
func (e *Engine) attempt(ctx context.Context, exec *Execution, step *schema.StepDefinition, args map[string]any) (res stepResult) {
	ctx = logging.WithTool(logging.WithStepID(ctx, step.ID), step.Tool)
	log := logging.LogWith(ctx, e.logger)
	res.stepID = step.ID

	defer func() {
		if p := recover(); p != nil {
			res.ok = false
			res.data = nil
			res.err = schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", p).WithStep(step.ID)
			res.attempts = append(res.attempts, fmt.Sprintf("panic: %v", p))
		}
	}()

	tries := 0
	backoff := retry.WithMaxRetries(uint64(step.MaxRetries), retry.NewExponential(e.backoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if tries > 0 {
			e.metrics.RecordStepRetry(step.Tool)
			e.publish(ctx, exec, step.ID, schema.EventStepRetrying, map[string]any{
				"attempt":    tries + 1,
				"last_error": res.attempts[len(res.attempts)-1],
			})
			log.Debug("retrying step", slog.Int("attempt", tries+1))
		}
		tries++

		resp, err := e.invoker.Invoke(ctx, step.Tool, cloneMap(args))
		if err != nil {
			res.attempts = append(res.attempts, errorMessage(err))
			if schema.IsCode(err, schema.ErrCodeAuth) || ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		if resp == nil || !resp.Success {
			msg := "empty response"
			if resp != nil && resp.Error != "" {
				msg = resp.Error
			}
			fe := schema.NewErrorf(schema.ErrCodeTool, "tool %s failed: %s", step.Tool, msg).WithStep(step.ID)
			res.attempts = append(res.attempts, fe.Message)
			return retry.RetryableError(fe)
		}
		res.data = resp.Data
		return nil
	})

	if tries > 1 {
		res.retries = tries - 1
	}
	if err != nil {
		res.err = err
		return res
	}
	res.ok = true
	return res
}

func (e *Engine) publish(ctx context.Context, exec *Execution, stepID, eventType string, payload map[string]any) {
	if e.events == nil || eventType == "" {
		return
	}
	ev := streaming.StreamEvent{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepID:      stepID,
		Type:        eventType,
		Progress:    exec.progress(),
		Payload:     payload,
	}
	if err := e.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Debug("event publish failed", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// errorMessage strips the code prefix from FlowErrors.
func errorMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

func without(ids []string, id string) []string {
	i := slices.Index(ids, id)
	if i < 0 {
		return ids
	}
	return slices.Delete(slices.Clone(ids), i, i+1)
}
