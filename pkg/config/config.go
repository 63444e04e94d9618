// Package config loads GatewayConfig from the environment and exposes the
// runtime-mutable fields (kill-switch, rate-limit thresholds, audit key)
// behind atomic pointers so admin updates take effect without a restart.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Capability tokens recognized by the gateway (spec §4.1's closed set).
const (
	CapFSRead         = "fs.read"
	CapFSWrite        = "fs.write"
	CapFSDelete       = "fs.delete"
	CapFSList         = "fs.list"
	CapNetHTTP        = "net.http"
	CapNetSocket      = "net.socket"
	CapSysExec        = "sys.exec"
	CapSysEnv         = "sys.env"
	CapClipboardRead  = "clipboard.read"
	CapClipboardWrite = "clipboard.write"
	CapBrowserDOM     = "browser.dom"
	CapBrowserNav     = "browser.nav"
	CapBrowserCookies = "browser.cookies"
)

// AllCaps is the escape-hatch sentinel: "ALL" permits every capability.
const AllCaps = "ALL"

// RateLimitConfig holds the sliding-window + token-bucket thresholds.
type RateLimitConfig struct {
	Enabled            bool
	ClientMaxRequests  int
	ClientWindowSecs   int
	ClientBurst        int
	UserMaxRequests    int
	UserWindowSecs     int
}

// DefaultRateLimitConfig matches spec §4.7's defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		ClientMaxRequests: 60,
		ClientWindowSecs:  60,
		ClientBurst:       10,
		UserMaxRequests:   30,
		UserWindowSecs:    60,
	}
}

// KillSwitchState is the process-wide halt gate.
type KillSwitchState struct {
	Active bool
	Reason string
}

// GatewayConfig is the single threaded-through configuration value
// described in spec §9: "model as a single GatewayConfig value ... with
// atomic swap for runtime updates."
type GatewayConfig struct {
	AllowedCapabilities map[string]struct{}
	AllowAllCaps        bool
	ManifestDir         string
	AllowUnknownTools   bool // spec §9's admitted (not exposed by source) hook

	ApprovalTimeout time.Duration
	WorkerPoolSize  int
	WorkerTimeout   time.Duration
	SSEPollInterval time.Duration

	killSwitch atomic.Pointer[KillSwitchState]
	rateLimit  atomic.Pointer[RateLimitConfig]
	auditKey   atomic.Pointer[[32]byte]
}

// Load reads a GatewayConfig from the environment, applying spec §6's
// documented defaults for every recognized variable.
func Load() (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		ManifestDir:       envOr("AGENT_GATEWAY_MANIFEST_DIR", "schemas/capabilities"),
		AllowUnknownTools: true,
		ApprovalTimeout:   envSecondsOr("INTELLI_APPROVAL_TIMEOUT", 60),
		WorkerPoolSize:    envIntOr("SANDBOX_POOL_SIZE", 2),
		WorkerTimeout:     envSecondsOr("SANDBOX_WORKER_TIMEOUT", 5),
		SSEPollInterval:   envSecondsOr("AGENT_GATEWAY_SSE_POLL_INTERVAL", 15),
	}

	raw := strings.TrimSpace(os.Getenv("AGENT_GATEWAY_ALLOWED_CAPS"))
	switch {
	case raw == "":
		cfg.AllowedCapabilities = defaultAllowedCaps()
	case strings.EqualFold(raw, AllCaps):
		cfg.AllowAllCaps = true
		cfg.AllowedCapabilities = map[string]struct{}{}
	default:
		cfg.AllowedCapabilities = map[string]struct{}{}
		for _, c := range strings.Split(raw, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				cfg.AllowedCapabilities[c] = struct{}{}
			}
		}
	}

	cfg.killSwitch.Store(&KillSwitchState{})
	rl := DefaultRateLimitConfig()
	cfg.rateLimit.Store(&rl)

	if keyHex := strings.TrimSpace(os.Getenv("INTELLI_AUDIT_ENCRYPT_KEY")); keyHex != "" {
		key, err := parseAuditKey(keyHex)
		if err != nil {
			return nil, err
		}
		cfg.auditKey.Store(&key)
	}

	return cfg, nil
}

func defaultAllowedCaps() map[string]struct{} {
	return map[string]struct{}{CapFSRead: {}, CapBrowserDOM: {}}
}

// IsCapabilityAllowed reports whether cap is permitted under the current
// deployment allow-list.
func (c *GatewayConfig) IsCapabilityAllowed(cap string) bool {
	if c.AllowAllCaps {
		return true
	}
	_, ok := c.AllowedCapabilities[cap]
	return ok
}

// KillSwitch returns the current kill-switch state.
func (c *GatewayConfig) KillSwitch() KillSwitchState {
	return *c.killSwitch.Load()
}

// SetKillSwitch atomically sets the kill-switch, used by the admin surface.
func (c *GatewayConfig) SetKillSwitch(active bool, reason string) {
	c.killSwitch.Store(&KillSwitchState{Active: active, Reason: reason})
}

// RateLimit returns the current rate-limit configuration.
func (c *GatewayConfig) RateLimit() RateLimitConfig {
	return *c.rateLimit.Load()
}

// SetRateLimit atomically swaps in a new rate-limit configuration, so
// updates take effect immediately per spec §4.7's "read through a getter".
func (c *GatewayConfig) SetRateLimit(rl RateLimitConfig) {
	c.rateLimit.Store(&rl)
}

// AuditKey returns the active 32-byte AES-256-GCM key, or nil if audit
// encryption is disabled (plaintext JSONL mode).
func (c *GatewayConfig) AuditKey() *[32]byte {
	return c.auditKey.Load()
}

// SetAuditKey installs a new audit-encryption key (or clears it with nil).
func (c *GatewayConfig) SetAuditKey(key *[32]byte) {
	c.auditKey.Store(key)
}

func parseAuditKey(hexStr string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return key, fmt.Errorf("config: INTELLI_AUDIT_ENCRYPT_KEY is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("config: INTELLI_AUDIT_ENCRYPT_KEY must be 64 hex chars (32 bytes), got %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envIntOr(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSecondsOr(name string, defSecs float64) time.Duration {
	secs := defSecs
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			secs = n
		}
	}
	return time.Duration(secs * float64(time.Second))
}
