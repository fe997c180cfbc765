// Package engine sequences one tool invocation through validation, path
// authorization, admission, sandboxed execution, redaction and audit.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/admission"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/audit"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/faults"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/redact"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/storage"
	"go.uber.org/zap"
)

// Runner executes a resolved command. *sandbox.Executor implements it.
type Runner interface {
	Run(ctx context.Context, c sandbox.Command) *sandbox.Execution
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Registry     registry.ToolRegistry
	Checks       []Check
	CheckTimeout time.Duration
	Admission    *admission.Controller
	Paths        PathRechecker
	Runner       Runner
	Redactor     *redact.Redactor
	Audit        *audit.Logger
	Logger       *zap.Logger
}

// Orchestrator is the single entry point for invocations. It is safe for
// concurrent use; each call runs on the caller's goroutine.
type Orchestrator struct {
	registry     registry.ToolRegistry
	checks       []Check
	checkTimeout time.Duration
	admission    *admission.Controller
	paths        PathRechecker
	runner       Runner
	redactor     *redact.Redactor
	audit        *audit.Logger
	logger       *zap.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:     cfg.Registry,
		checks:       cfg.Checks,
		checkTimeout: cfg.CheckTimeout,
		admission:    cfg.Admission,
		paths:        cfg.Paths,
		runner:       cfg.Runner,
		redactor:     cfg.Redactor,
		audit:        cfg.Audit,
		logger:       cfg.Logger,
	}
}

// invocation tracks what has happened so far, so that a panic can still be
// closed out with the right audit event.
type invocation struct {
	req     ExecutionRequest
	start   time.Time
	def     *registry.ToolDefinition
	params  map[string]any
	ticket  *admission.Ticket
	started bool
	closed  bool
}

// Invoke runs the full pipeline. It never panics and always returns a
// result; rejections and failures are carried in the result.
func (o *Orchestrator) Invoke(ctx context.Context, req ExecutionRequest) (result *ExecutionResult) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	inv := &invocation{req: req, start: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			err := &faults.InternalError{Op: "invoke", Panic: r, Stack: debug.Stack()}
			o.logger.Error("invocation panicked",
				zap.String("correlation_id", req.CorrelationID),
				zap.String("tool_id", req.ToolID),
				zap.String("diagnostic", faults.Diagnostic(err)),
			)
			result = o.fail(inv, err)
		}
	}()

	snap := o.registry.Snapshot()
	def, ok := snap.Lookup(req.ToolID)
	if !ok {
		return o.reject(inv, &faults.ToolNotFoundError{ToolID: req.ToolID})
	}
	inv.def = def
	if !def.Enabled {
		return o.reject(inv, &faults.ToolDisabledError{ToolID: def.ID, Reason: def.DisabledReason})
	}

	checkReq := &CheckRequest{
		CorrelationID: req.CorrelationID,
		Principal:     req.Principal,
		Tool:          def,
		RawParams:     req.Params,
	}
	if err := o.runChecks(ctx, checkReq); err != nil {
		return o.reject(inv, err)
	}
	validated := checkReq.Invocation
	if validated == nil {
		return o.reject(inv, &faults.InternalError{Op: "checks", Err: fmt.Errorf("no parameter check configured")})
	}
	inv.params = validated.Params

	ticket, err := o.admission.Admit(ctx, def)
	if err != nil {
		return o.reject(inv, err)
	}
	inv.ticket = ticket
	defer ticket.Release()

	// The filesystem may have changed while waiting for a slot.
	if o.paths != nil {
		if err := o.paths.Recheck(def, validated); err != nil {
			return o.reject(inv, err)
		}
	}

	if err := o.audit.Start(req.CorrelationID, def.ID, req.Principal, o.auditParams(inv)); err != nil {
		return o.reject(inv, &faults.InternalError{Op: "audit start", Err: err})
	}
	inv.started = true

	exe := o.runner.Run(ctx, sandbox.Command{
		ToolID:         def.ID,
		Program:        def.Program,
		Args:           validated.Argv(),
		Dir:            def.WorkingDir,
		EnvPassthrough: def.EnvPassthrough,
		Limits:         def.Limits,
	})
	return o.complete(inv, exe)
}

func (o *Orchestrator) runChecks(ctx context.Context, req *CheckRequest) error {
	ctx, cancel := context.WithTimeout(ctx, o.checkTimeout)
	defer cancel()
	for _, c := range o.checks {
		if err := ctx.Err(); err != nil {
			return &faults.CancelledError{Err: err}
		}
		if err := c.Check(ctx, req); err != nil {
			o.logger.Debug("check rejected invocation",
				zap.String("check", c.Name()),
				zap.String("correlation_id", req.CorrelationID),
				zap.String("kind", string(faults.KindOf(err))),
			)
			return err
		}
	}
	return nil
}

// complete turns a finished execution into a redacted result and closes
// the audit record.
func (o *Orchestrator) complete(inv *invocation, exe *sandbox.Execution) *ExecutionResult {
	def := inv.def
	status := statusFor(exe)
	res := &ExecutionResult{
		CorrelationID:   inv.req.CorrelationID,
		ToolID:          def.ID,
		Status:          status,
		ExitCode:        exe.ExitCode,
		Stdout:          o.redactor.Output(def.RedactionScope, exe.Stdout),
		Stderr:          o.redactor.Output(def.RedactionScope, exe.Stderr),
		StdoutTruncated: exe.StdoutTruncated,
		StderrTruncated: exe.StderrTruncated,
		Duration:        exe.Duration,
	}
	if exe.Err != nil {
		res.Error = faults.Sanitize(exe.Err)
		if k := faults.KindOf(exe.Err); k == faults.KindProcessSpawn || k == faults.KindInternal {
			o.logger.Error("invocation failed",
				zap.String("correlation_id", inv.req.CorrelationID),
				zap.String("tool_id", def.ID),
				zap.String("diagnostic", faults.Diagnostic(exe.Err)),
			)
		}
	}

	outcome := storage.Outcome{
		Status:          string(status),
		ExitCode:        exe.ExitCode,
		DurationMs:      float64(exe.Duration) / float64(time.Millisecond),
		StdoutBytes:     len(exe.Stdout),
		StderrBytes:     len(exe.Stderr),
		StdoutTruncated: exe.StdoutTruncated,
		StderrTruncated: exe.StderrTruncated,
	}
	if res.Error != nil {
		outcome.ErrorKind = string(res.Error.Kind)
		outcome.Message = res.Error.Message
	}
	if err := o.audit.End(inv.req.CorrelationID, outcome); err != nil {
		o.logger.Error("audit end failed", zap.String("correlation_id", inv.req.CorrelationID), zap.Error(err))
	}
	inv.closed = true

	metrics.RecordInvocation(def.ID, string(status), exe.Duration)
	o.logger.Info("invocation finished",
		zap.String("correlation_id", inv.req.CorrelationID),
		zap.String("tool_id", def.ID),
		zap.String("status", string(status)),
		zap.String("state", string(exe.State)),
		zap.Duration("duration", exe.Duration),
	)
	return res
}

// reject closes out an invocation that never started.
func (o *Orchestrator) reject(inv *invocation, err error) *ExecutionResult {
	safe := faults.Sanitize(err)
	status := StatusRejected
	if safe.Kind == faults.KindCancelled {
		status = StatusCancelled
	}
	if safe.Kind == faults.KindInternal {
		o.logger.Error("invocation rejected by internal error",
			zap.String("correlation_id", inv.req.CorrelationID),
			zap.String("diagnostic", faults.Diagnostic(err)),
		)
	}
	res := &ExecutionResult{
		CorrelationID: inv.req.CorrelationID,
		ToolID:        inv.req.ToolID,
		Status:        status,
		Duration:      time.Since(inv.start),
		Error:         safe,
	}

	outcome := storage.Outcome{
		Status:       string(status),
		ErrorKind:    string(safe.Kind),
		Message:      safe.Message,
		DurationMs:   float64(res.Duration) / float64(time.Millisecond),
		RetryAfterMs: safe.RetryAfter.Milliseconds(),
	}
	if aerr := o.audit.Reject(inv.req.CorrelationID, inv.req.ToolID, inv.req.Principal, o.auditParams(inv), outcome); aerr != nil {
		o.logger.Error("audit reject failed", zap.String("correlation_id", inv.req.CorrelationID), zap.Error(aerr))
	}
	inv.closed = true

	// Unknown ids stay out of metric labels.
	metricTool := "unknown"
	if inv.def != nil {
		metricTool = inv.def.ID
	}
	metrics.RecordRejection(metricTool, string(safe.Kind))
	o.logger.Info("invocation rejected",
		zap.String("correlation_id", inv.req.CorrelationID),
		zap.String("tool_id", faults.SanitizeForLogging(inv.req.ToolID)),
		zap.String("kind", string(safe.Kind)),
	)
	return res
}

// fail closes out an invocation after a recovered panic.
func (o *Orchestrator) fail(inv *invocation, err *faults.InternalError) *ExecutionResult {
	if inv.closed {
		return &ExecutionResult{
			CorrelationID: inv.req.CorrelationID,
			ToolID:        inv.req.ToolID,
			Status:        StatusFailure,
			Duration:      time.Since(inv.start),
			Error:         faults.Sanitize(err),
		}
	}
	if !inv.started {
		inv.ticket.Release()
		return o.reject(inv, err)
	}
	safe := faults.Sanitize(err)
	res := &ExecutionResult{
		CorrelationID: inv.req.CorrelationID,
		ToolID:        inv.req.ToolID,
		Status:        StatusFailure,
		Duration:      time.Since(inv.start),
		Error:         safe,
	}
	outcome := storage.Outcome{
		Status:     string(StatusFailure),
		ErrorKind:  string(safe.Kind),
		Message:    safe.Message,
		DurationMs: float64(res.Duration) / float64(time.Millisecond),
	}
	if aerr := o.audit.End(inv.req.CorrelationID, outcome); aerr != nil {
		o.logger.Error("audit end failed", zap.String("correlation_id", inv.req.CorrelationID), zap.Error(aerr))
	}
	inv.closed = true
	return res
}

// auditParams returns the parameter snapshot for audit events. Sensitive
// keys are always masked; patterns apply when the tool's scope covers
// arguments. Unknown tools get the full treatment.
func (o *Orchestrator) auditParams(inv *invocation) map[string]any {
	params := inv.params
	if params == nil {
		params = inv.req.Params
	}
	scope := redact.ScopeBoth
	if inv.def != nil {
		scope = inv.def.RedactionScope
	}
	return o.redactor.Params(scope, params)
}

// ListTools summarizes every tool in the current snapshot, sorted by id.
func (o *Orchestrator) ListTools() []ToolSummary {
	tools := o.registry.Snapshot().Tools()
	out := make([]ToolSummary, 0, len(tools))
	for _, def := range tools {
		s := ToolSummary{
			ID:             def.ID,
			Description:    def.Description,
			Flags:          def.Flags,
			Enabled:        def.Enabled,
			DisabledReason: faults.ScrubText(def.DisabledReason),
			Parameters:     make([]ParameterSummary, 0, len(def.Parameters)),
		}
		for _, p := range def.Parameters {
			s.Parameters = append(s.Parameters, ParameterSummary{
				Name:        p.Name,
				Type:        p.Type,
				Required:    p.Required,
				Path:        p.Path,
				Description: p.Description,
			})
		}
		out = append(out, s)
	}
	return out
}

// Running reports how many invocations hold an admission slot.
func (o *Orchestrator) Running() int64 { return o.admission.Running() }
