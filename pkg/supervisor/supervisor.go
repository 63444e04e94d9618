// Package supervisor implements ProcessCall, the single orchestrator that
// sequences every gate from spec §4.4 in the exact, non-reorderable
// order: kill-switch, per-client then per-user rate limit, schema
// validation, sanitization, capability check, risk scoring, then either
// queue for approval or dispatch to the worker pool.
package supervisor

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/intelli-systems/agent-gateway/internal/schema"
	"github.com/intelli-systems/agent-gateway/pkg/approval"
	"github.com/intelli-systems/agent-gateway/pkg/audit"
	"github.com/intelli-systems/agent-gateway/pkg/config"
	"github.com/intelli-systems/agent-gateway/pkg/contracts"
	"github.com/intelli-systems/agent-gateway/pkg/eventbus"
	"github.com/intelli-systems/agent-gateway/pkg/killswitch"
	"github.com/intelli-systems/agent-gateway/pkg/manifest"
	"github.com/intelli-systems/agent-gateway/pkg/metrics"
	"github.com/intelli-systems/agent-gateway/pkg/ratelimit"
	"github.com/intelli-systems/agent-gateway/pkg/risk"
	"github.com/intelli-systems/agent-gateway/pkg/sanitize"
	"github.com/intelli-systems/agent-gateway/pkg/workerpool"
)

// Supervisor owns every gate in the pipeline and sequences them.
type Supervisor struct {
	cfg       *config.GatewayConfig
	kill      *killswitch.Switch
	limiter   *ratelimit.Limiter
	schema    *jsonschema.Schema
	verifier  *manifest.Verifier
	approvals *approval.Queue
	pool      *workerpool.Pool
	auditLog  *audit.Log
	bus       *eventbus.Bus
	metrics   *metrics.Registry
}

// Options bundles the subcomponents a Supervisor orchestrates. All fields
// are required except Bus and Metrics, which may be nil.
type Options struct {
	Config     *config.GatewayConfig
	KillSwitch *killswitch.Switch
	Limiter    *ratelimit.Limiter
	Verifier   *manifest.Verifier
	Approvals  *approval.Queue
	Pool       *workerpool.Pool
	AuditLog   *audit.Log
	Bus        *eventbus.Bus
	Metrics    *metrics.Registry
}

// New builds a Supervisor, compiling the embedded ToolCall JSON schema
// once per instance (teacher's firewall.go NewPolicyFirewall idiom).
func New(opts Options) (*Supervisor, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schema.ToolCallSchemaURL, bytes.NewReader(schema.ToolCallJSON)); err != nil {
		return nil, fmt.Errorf("supervisor: load tool_call schema: %w", err)
	}
	compiled, err := c.Compile(schema.ToolCallSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("supervisor: compile tool_call schema: %w", err)
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	return &Supervisor{
		cfg:       opts.Config,
		kill:      opts.KillSwitch,
		limiter:   opts.Limiter,
		schema:    compiled,
		verifier:  opts.Verifier,
		approvals: opts.Approvals,
		pool:      opts.Pool,
		auditLog:  opts.AuditLog,
		bus:       opts.Bus,
		metrics:   m,
	}, nil
}

// ProcessCall runs call through the full pipeline and returns its outcome.
// clientKey identifies the network caller (IP/API key) for the sliding
// window; userKey identifies the authenticated actor for the token
// bucket. Both are spec §4.7 concerns, orthogonal to call.Actor.
func (s *Supervisor) ProcessCall(call contracts.ToolCall, clientKey, userKey string) contracts.Result {
	s.metrics.Inc("tool_calls_received_total", metrics.Labels{"tool": call.Tool})

	if s.kill != nil && s.kill.Active() {
		return s.deny(call, contracts.StatusBlockedKillSwitch, "blocked_kill_switch", s.kill.Reason())
	}

	if s.limiter != nil {
		if ok, retryAfter := s.limiter.AllowClient(clientKey); !ok {
			return s.rateLimited(call, contracts.StatusRateLimited, retryAfter)
		}
		if ok, retryAfter := s.limiter.AllowUser(userKey); !ok {
			return s.rateLimited(call, contracts.StatusUserRateLimited, retryAfter)
		}
	}

	if err := s.validate(call); err != nil {
		s.metrics.Inc("validation_errors_total", metrics.Labels{"tool": call.Tool})
		return s.deny(call, contracts.StatusValidationError, "validation_error", err.Error())
	}

	cleanArgs := sanitize.Args(call.Args)
	call.Args = cleanArgs

	allowed, denied, m, err := s.verifier.Check(call.Tool, call.Args)
	if err != nil {
		slog.Error("supervisor: capability check failed", "tool", call.Tool, "error", err)
		return s.deny(call, contracts.StatusValidationError, "validation_error", "internal capability check error")
	}
	if !allowed {
		return s.capabilityDenied(call, denied)
	}

	manifestRisk := contracts.RiskLow
	requiresApproval := false
	if m != nil {
		manifestRisk = m.RiskLevel
		requiresApproval = m.RequiresApproval
	}
	riskLevel := risk.Compute(call.Tool, call.Args, manifestRisk)
	if riskLevel == contracts.RiskHigh && m == nil {
		// No manifest to override the heuristic: force-queue per spec §4.3/§8.
		// A present manifest's RequiresApproval is authoritative even when it
		// says false — that's the explicit override the spec carves out.
		requiresApproval = true
	}

	if requiresApproval {
		return s.queueForApproval(call, riskLevel)
	}

	return s.dispatch(call, riskLevel)
}

func (s *Supervisor) validate(call contracts.ToolCall) error {
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	payload := map[string]any{"tool": call.Tool, "args": args}
	if call.SessionID != "" {
		payload["session_id"] = call.SessionID
	}
	if call.Actor != "" {
		payload["actor"] = call.Actor
	}
	if err := s.schema.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func (s *Supervisor) queueForApproval(call contracts.ToolCall, riskLevel contracts.RiskLevel) contracts.Result {
	entry := s.approvals.Submit(call.Tool, call.Args, call.SessionID, call.Actor, riskLevel)
	s.audit(call, contracts.StatusPendingApproval, riskLevel, "")
	s.publish(eventbus.EventApprovalPending, map[string]any{"id": entry.ID, "tool": call.Tool, "risk": string(riskLevel)})
	s.metrics.Inc("approvals_queued_total", metrics.Labels{"tool": call.Tool})

	approved := s.approvals.WaitForDecision(entry.ID, s.cfg.ApprovalTimeout)
	s.publish(eventbus.EventApprovalDecided, map[string]any{"id": entry.ID, "approved": approved})

	if !approved {
		state := entry.State()
		if state == approval.StateExpired {
			return s.deny(call, contracts.StatusApprovalTimeout, "approval_timeout", "no decision within timeout")
		}
		return s.deny(call, contracts.StatusApprovalDenied, "approval_denied", "denied by approver")
	}

	return s.dispatch(call, riskLevel)
}

func (s *Supervisor) dispatch(call contracts.ToolCall, riskLevel contracts.RiskLevel) contracts.Result {
	result, err := s.pool.Execute(call.Tool, call.Args, s.cfg.WorkerTimeout)
	if err != nil {
		s.metrics.Inc("worker_errors_total", metrics.Labels{"tool": call.Tool})
		if err == workerpool.ErrUnavailable {
			s.audit(call, contracts.StatusWorkerUnavailable, riskLevel, err.Error())
			s.publish(eventbus.EventWorkerUnhealthy, map[string]any{"tool": call.Tool})
			return contracts.Result{Status: contracts.StatusWorkerUnavailable, Risk: riskLevel, ErrorToken: "worker_unavailable"}
		}
		s.audit(call, contracts.StatusWorkerTimeout, riskLevel, err.Error())
		return contracts.Result{Status: contracts.StatusWorkerTimeout, Risk: riskLevel, ErrorToken: "worker_timeout"}
	}

	s.audit(call, contracts.StatusAccepted, riskLevel, "")
	s.publish(eventbus.EventToolCallAccepted, map[string]any{"tool": call.Tool, "risk": string(riskLevel)})
	s.metrics.Inc("tool_calls_accepted_total", metrics.Labels{"tool": call.Tool})
	return contracts.Result{Status: contracts.StatusAccepted, Risk: riskLevel, Args: result}
}

func (s *Supervisor) capabilityDenied(call contracts.ToolCall, denied []string) contracts.Result {
	s.audit(call, contracts.StatusCapabilityDenied, contracts.RiskLow, strings.Join(denied, ","))
	s.publish(eventbus.EventToolCallDenied, map[string]any{"tool": call.Tool, "denied": denied})
	s.metrics.Inc("tool_calls_denied_total", metrics.Labels{"tool": call.Tool, "reason": "capability"})
	return contracts.Result{Status: contracts.StatusCapabilityDenied, ErrorToken: "capability_denied", DeniedCaps: denied}
}

func (s *Supervisor) rateLimited(call contracts.ToolCall, status contracts.Status, retryAfter time.Duration) contracts.Result {
	s.metrics.Inc("tool_calls_denied_total", metrics.Labels{"tool": call.Tool, "reason": string(status)})
	return contracts.Result{Status: status, ErrorToken: string(status), RetryAfterSecs: retryAfter.Seconds()}
}

func (s *Supervisor) deny(call contracts.ToolCall, status contracts.Status, token, reason string) contracts.Result {
	s.audit(call, status, contracts.RiskLow, reason)
	s.publish(eventbus.EventToolCallDenied, map[string]any{"tool": call.Tool, "status": string(status)})
	s.metrics.Inc("tool_calls_denied_total", metrics.Labels{"tool": call.Tool, "reason": string(status)})
	return contracts.Result{Status: status, ErrorToken: token, Reason: reason}
}

func (s *Supervisor) audit(call contracts.ToolCall, status contracts.Status, riskLevel contracts.RiskLevel, errToken string) {
	if s.auditLog == nil {
		return
	}
	if err := s.auditLog.Append(audit.Event{
		Tool:       call.Tool,
		SessionID:  call.SessionID,
		Actor:      call.Actor,
		Status:     string(status),
		Risk:       string(riskLevel),
		Args:       sanitize.Args(call.Args),
		ErrorToken: errToken,
	}); err != nil {
		slog.Error("supervisor: audit append failed", "error", err)
	}
}

func (s *Supervisor) publish(t eventbus.Type, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: t, Data: data})
}
