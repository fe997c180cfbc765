package server

import (
	"context"
	"errors"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/auth"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/faults"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CorrelationHeader carries a caller-chosen correlation id in both directions.
const CorrelationHeader = "x-correlation-id"

// Orchestrator is the part of *engine.Orchestrator the transport needs.
type Orchestrator interface {
	Invoke(ctx context.Context, req engine.ExecutionRequest) *engine.ExecutionResult
	ListTools() []engine.ToolSummary
}

// ToolSandboxServer adapts the orchestrator to gRPC. Invocation outcomes,
// rejections included, are returned in-band; gRPC status errors are
// reserved for transport problems such as failed authentication.
type ToolSandboxServer struct {
	orch     Orchestrator
	auth     auth.Authenticator
	throttle *throttle
	logger   *zap.Logger
}

func NewToolSandboxServer(orch Orchestrator, authenticator auth.Authenticator, throttleCfg ThrottleConfig, logger *zap.Logger) *ToolSandboxServer {
	return &ToolSandboxServer{
		orch:     orch,
		auth:     authenticator,
		throttle: newThrottle(throttleCfg),
		logger:   logger,
	}
}

// Invoke implements ToolSandboxService.Invoke. The request carries tool_id,
// an optional params object and an optional correlation_id.
func (s *ToolSandboxServer) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	principal, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	fields := req.GetFields()
	toolID := fields["tool_id"].GetStringValue()
	if toolID == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_id is required")
	}
	var params map[string]any
	if v, ok := fields["params"]; ok {
		ps := v.GetStructValue()
		if ps == nil {
			return nil, status.Error(codes.InvalidArgument, "params must be an object")
		}
		params = ps.AsMap()
	}
	correlationID, err := correlationID(ctx, fields["correlation_id"].GetStringValue())
	if err != nil {
		return nil, err
	}

	if !principal.Allows(toolID) {
		s.logger.Warn("principal not allowed to invoke tool",
			zap.String("principal", principal.ID),
			zap.String("tool_id", faults.SanitizeForLogging(toolID)),
			zap.String("correlation_id", correlationID),
		)
		return nil, status.Error(codes.PermissionDenied, "tool not permitted for this principal")
	}

	res := s.orch.Invoke(ctx, engine.ExecutionRequest{
		CorrelationID: correlationID,
		ToolID:        toolID,
		Params:        params,
		Principal:     principal.ID,
	})
	_ = grpc.SetHeader(ctx, metadata.Pairs(CorrelationHeader, res.CorrelationID))

	out, err := structpb.NewStruct(resultMap(res))
	if err != nil {
		s.logger.Error("encode invocation result", zap.String("correlation_id", res.CorrelationID), zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to encode result")
	}
	return out, nil
}

// ListTools implements ToolSandboxService.ListTools. Only tools the
// principal may invoke are listed.
func (s *ToolSandboxServer) ListTools(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	principal, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var tools []any
	for _, t := range s.orch.ListTools() {
		if !principal.Allows(t.ID) {
			continue
		}
		tools = append(tools, toolMap(t))
	}
	out, err := structpb.NewStruct(map[string]any{"tools": tools})
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode tools")
	}
	return out, nil
}

func (s *ToolSandboxServer) authenticate(ctx context.Context) (*auth.Principal, error) {
	principal, err := s.auth.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrAuthUnavailable) {
			return nil, status.Error(codes.Unavailable, "authentication temporarily unavailable")
		}
		return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	if !s.throttle.allow(principal.ID) {
		return nil, status.Error(codes.ResourceExhausted, "request rate exceeded")
	}
	return principal, nil
}

// correlationID prefers the request field, then the metadata header. An
// empty result lets the orchestrator generate one.
func correlationID(ctx context.Context, fromBody string) (string, error) {
	id := fromBody
	if id == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(CorrelationHeader); len(v) > 0 {
				id = v[0]
			}
		}
	}
	if id != "" && !registry.ValidIdentifier(id) {
		return "", status.Error(codes.InvalidArgument, "correlation id must match [A-Za-z0-9_-]{1,64}")
	}
	return id, nil
}

func resultMap(res *engine.ExecutionResult) map[string]any {
	m := map[string]any{
		"correlation_id":   res.CorrelationID,
		"tool_id":          res.ToolID,
		"status":           string(res.Status),
		"stdout":           res.Stdout,
		"stderr":           res.Stderr,
		"stdout_truncated": res.StdoutTruncated,
		"stderr_truncated": res.StderrTruncated,
		"duration_ms":      float64(res.Duration.Microseconds()) / 1000,
	}
	if res.ExitCode != nil {
		m["exit_code"] = *res.ExitCode
	}
	if e := res.Error; e != nil {
		errMap := map[string]any{
			"kind":         string(e.Kind),
			"safe_message": e.Message,
		}
		if e.RetryAfter > 0 {
			errMap["retry_after_ms"] = e.RetryAfter.Milliseconds()
		}
		if len(e.Violations) > 0 {
			vs := make([]any, len(e.Violations))
			for i, v := range e.Violations {
				vs[i] = map[string]any{"param": v.Param, "kind": string(v.Kind), "detail": v.Detail}
			}
			errMap["violations"] = vs
		}
		m["error"] = errMap
	}
	return m
}

func toolMap(t engine.ToolSummary) map[string]any {
	params := make([]any, len(t.Parameters))
	for i, p := range t.Parameters {
		params[i] = map[string]any{
			"name":        p.Name,
			"type":        string(p.Type),
			"required":    p.Required,
			"path":        p.Path,
			"description": p.Description,
		}
	}
	m := map[string]any{
		"id":          t.ID,
		"description": t.Description,
		"parameters":  params,
		"enabled":     t.Enabled,
		"flags": map[string]any{
			"requires_confirmation": t.Flags.RequiresConfirmation,
			"read_only":             t.Flags.ReadOnly,
			"destructive":           t.Flags.Destructive,
			"interactive":           t.Flags.Interactive,
		},
	}
	if t.DisabledReason != "" {
		m["disabled_reason"] = t.DisabledReason
	}
	return m
}
