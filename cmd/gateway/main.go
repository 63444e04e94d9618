// Command gateway is the Agent Gateway's HTTP entrypoint: it wires every
// pipeline component from pkg/supervisor together and exposes a thin
// net/http surface for tool calls, approvals, the kill-switch, scheduled
// tasks, and metrics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/intelli-systems/agent-gateway/pkg/approval"
	"github.com/intelli-systems/agent-gateway/pkg/audit"
	"github.com/intelli-systems/agent-gateway/pkg/config"
	"github.com/intelli-systems/agent-gateway/pkg/contracts"
	"github.com/intelli-systems/agent-gateway/pkg/eventbus"
	"github.com/intelli-systems/agent-gateway/pkg/killswitch"
	"github.com/intelli-systems/agent-gateway/pkg/manifest"
	"github.com/intelli-systems/agent-gateway/pkg/metrics"
	"github.com/intelli-systems/agent-gateway/pkg/ratelimit"
	"github.com/intelli-systems/agent-gateway/pkg/scheduler"
	"github.com/intelli-systems/agent-gateway/pkg/supervisor"
	"github.com/intelli-systems/agent-gateway/pkg/workerpool"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub it out, matching the
// teacher's cmd/helm/main.go pattern.
var startServer = runServer

// Run is the testable entrypoint: cmd/helm's Run(args, stdout, stderr) int
// shape, generalized to the gateway's smaller command set.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer(stdout, stderr)
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer(stdout, stderr)
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			startServer(stdout, stderr)
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Agent Gateway")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  gateway <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server    Run the gateway HTTP server (default)")
	fmt.Fprintln(w, "  health    Check a running server's health over HTTP")
	fmt.Fprintln(w, "  help      Show this help")
}

func runHealthCmd(stdout, stderr io.Writer) int {
	resp, err := http.Get("http://127.0.0.1:" + envOr("AGENT_GATEWAY_PORT", "8085") + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check returned %s\n", resp.Status)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

// gateway bundles the wired subcomponents an http.Handler needs.
type gateway struct {
	cfg       *config.GatewayConfig
	sup       *supervisor.Supervisor
	kill      *killswitch.Switch
	limiter   *ratelimit.Limiter
	approvals *approval.Queue
	bus       *eventbus.Bus
	metrics   *metrics.Registry
	scheduler *scheduler.Scheduler
}

func runServer(stdout, stderr io.Writer) {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	metricsReg := metrics.New()
	bus := eventbus.New()
	kill := killswitch.New(cfg, func(rec killswitch.ToggleRecord) {
		bus.Publish(eventbus.Event{Type: eventbus.EventKillSwitchChanged, Data: map[string]any{
			"active": rec.Active, "reason": rec.Reason, "actor": rec.Actor,
		}})
	})
	limiter := ratelimit.New(cfg)
	verifier := manifest.NewVerifier(cfg)
	approvals := approval.NewQueue(cfg.ApprovalTimeout, nil)

	auditPath := envOr("AGENT_GATEWAY_AUDIT_LOG", "audit.log")
	auditFile, err := audit.OpenAppendLog(auditPath)
	if err != nil {
		logger.Error("audit log open failed", "error", err, "path", auditPath)
		os.Exit(1)
	}
	defer auditFile.Close()
	auditLog := audit.NewLog(auditFile, cfg.AuditKey)

	pool, err := workerpool.NewPool(workerCommand(), cfg.WorkerPoolSize)
	if err != nil {
		logger.Error("worker pool spawn failed", "error", err)
		os.Exit(1)
	}
	defer pool.Shutdown()

	sup, err := supervisor.New(supervisor.Options{
		Config:     cfg,
		KillSwitch: kill,
		Limiter:    limiter,
		Verifier:   verifier,
		Approvals:  approvals,
		Pool:       pool,
		AuditLog:   auditLog,
		Bus:        bus,
		Metrics:    metricsReg,
	})
	if err != nil {
		logger.Error("supervisor init failed", "error", err)
		os.Exit(1)
	}

	g := &gateway{cfg: cfg, sup: sup, kill: kill, limiter: limiter, approvals: approvals, bus: bus, metrics: metricsReg}

	sched := scheduler.New(envOr("AGENT_GATEWAY_SCHEDULE_FILE", "schedule.yaml"), g.dispatchScheduled, kill.Active)
	if err := sched.Load(); err != nil {
		logger.Warn("schedule load failed, starting empty", "error", err)
	}
	sched.Start()
	defer sched.Stop()
	g.scheduler = sched

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	port := envOr("AGENT_GATEWAY_PORT", "8085")
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("agent-gateway: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
		}
	}()

	fmt.Fprintf(stdout, "agent-gateway ready: http://localhost:%s\n", port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(stdout, "agent-gateway: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintln(stderr, "agent-gateway: shutdown error:", err)
	}
}

// workerCommand resolves the gateway-worker subprocess command. It
// defaults to a sibling binary next to the running gateway executable,
// overridable for deployments that place it elsewhere.
func workerCommand() []string {
	if raw := strings.TrimSpace(os.Getenv("AGENT_GATEWAY_WORKER_CMD")); raw != "" {
		return strings.Fields(raw)
	}
	exe, err := os.Executable()
	if err != nil {
		return []string{"gateway-worker"}
	}
	return []string{filepath.Join(filepath.Dir(exe), "gateway-worker")}
}

func (g *gateway) dispatchScheduled(tool string, args map[string]any) error {
	result := g.sup.ProcessCall(contracts.ToolCall{Tool: tool, Args: args, Actor: "scheduler"}, "scheduler", "scheduler")
	if result.Status != contracts.StatusAccepted {
		return fmt.Errorf("scheduled call denied: %s", result.Status)
	}
	return nil
}

func (g *gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/metrics", g.handleMetrics)
	mux.HandleFunc("/v1/tool-calls", g.handleToolCall)
	mux.HandleFunc("/v1/events", g.handleEvents)
	mux.HandleFunc("/v1/kill-switch", g.handleKillSwitch)
	mux.HandleFunc("/v1/approvals", g.handleApprovalsList)
	mux.HandleFunc("/v1/approvals/", g.handleApprovalDecision)
	mux.HandleFunc("/v1/schedule", g.handleSchedule)
	mux.HandleFunc("/v1/schedule/", g.handleScheduleItem)
	mux.HandleFunc("/v1/webhooks", g.handleWebhooks)
	mux.HandleFunc("/v1/webhooks/", g.handleWebhookItem)
}

func (g *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(g.metrics.ExportPrometheus()))
}

type toolCallRequest struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	SessionID string         `json:"session_id"`
	Actor     string         `json:"actor"`
}

func (g *gateway) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, contracts.Result{Status: contracts.StatusValidationError, ErrorToken: "malformed_json"})
		return
	}

	clientKey := clientKeyFor(r)
	userKey := req.Actor
	if userKey == "" {
		userKey = clientKey
	}

	result := g.sup.ProcessCall(contracts.ToolCall{
		Tool: req.Tool, Args: req.Args, SessionID: req.SessionID, Actor: req.Actor,
	}, clientKey, userKey)

	writeJSON(w, statusCodeFor(result.Status), result)
}

func clientKeyFor(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func statusCodeFor(status contracts.Status) int {
	switch status {
	case contracts.StatusAccepted, contracts.StatusPendingApproval:
		return http.StatusOK
	case contracts.StatusValidationError:
		return http.StatusBadRequest
	case contracts.StatusCapabilityDenied, contracts.StatusApprovalDenied, contracts.StatusBlockedKillSwitch:
		return http.StatusForbidden
	case contracts.StatusRateLimited, contracts.StatusUserRateLimited:
		return http.StatusTooManyRequests
	case contracts.StatusWorkerUnavailable, contracts.StatusWorkerTimeout:
		return http.StatusServiceUnavailable
	case contracts.StatusApprovalTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusOK
	}
}

// handleEvents serves the event bus as an SSE stream, per spec §4.8.
func (g *gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := g.bus.Subscribe()
	defer g.bus.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

type killSwitchRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (g *gateway) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, g.cfg.KillSwitch())
	case http.MethodPost:
		var req killSwitchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		if req.Active {
			g.kill.Activate(req.Reason, req.Actor)
		} else {
			g.kill.Deactivate(req.Actor)
		}
		writeJSON(w, http.StatusOK, g.cfg.KillSwitch())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (g *gateway) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	views := g.approvals.ListPending(r.URL.Query().Get("session_id"), r.URL.Query().Get("actor"))
	writeJSON(w, http.StatusOK, views)
}

// handleApprovalDecision serves POST /v1/approvals/{id}/approve|deny.
func (g *gateway) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.Error(w, "expected /v1/approvals/{id}/approve|deny", http.StatusBadRequest)
		return
	}
	id, action := parts[0], parts[1]

	var state approval.State
	var ok bool
	switch action {
	case "approve":
		state, ok = g.approvals.Approve(id)
	case "deny":
		state, ok = g.approvals.Deny(id)
	default:
		http.Error(w, "unknown action: "+action, http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, "unknown approval id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(state)})
}

type scheduleTaskRequest struct {
	Name            string         `json:"name"`
	Tool            string         `json:"tool"`
	Args            map[string]any `json:"args"`
	IntervalSeconds int            `json:"interval_seconds"`
	Enabled         bool           `json:"enabled"`
}

func (g *gateway) handleSchedule(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, g.scheduler.ListTasks())
	case http.MethodPost:
		var req scheduleTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		task, err := g.scheduler.AddTask(req.Name, req.Tool, req.Args, req.IntervalSeconds, req.Enabled)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleScheduleItem serves /v1/schedule/{id}[/enable|disable|trigger|history].
func (g *gateway) handleScheduleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/schedule/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "missing task id", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			task, ok := g.scheduler.GetTask(id)
			if !ok {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, task)
		case http.MethodDelete:
			if !g.scheduler.DeleteTask(id) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "enable", "disable":
		if !g.scheduler.SetEnabled(id, parts[1] == "enable") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "trigger":
		if err := g.scheduler.Trigger(id); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case "history":
		writeJSON(w, http.StatusOK, g.scheduler.History(id))
	default:
		http.Error(w, "unknown sub-resource: "+parts[1], http.StatusBadRequest)
	}
}

type webhookRequest struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (g *gateway) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, g.bus.Endpoints())
	case http.MethodPost:
		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.URL == "" {
			http.Error(w, "malformed body: id and url are required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, g.bus.RegisterEndpoint(req.ID, req.URL, req.Secret))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWebhookItem serves /v1/webhooks/{id}[/deliveries].
func (g *gateway) handleWebhookItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "missing webhook id", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 && parts[1] == "deliveries" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, g.bus.DeliveryLog(id))
		return
	}

	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g.bus.UnregisterEndpoint(id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
