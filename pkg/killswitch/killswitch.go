// Package killswitch wraps the gateway's process-wide halt gate (spec
// §4.10): the single check consulted before anything else in the
// Supervisor pipeline. The gate itself lives as an atomically-swapped
// value on config.GatewayConfig (per spec §9's single-config model); this
// package adds the small bookkeeping (toggle history, change events) a
// bare boolean doesn't carry.
package killswitch

import (
	"sync"
	"time"

	"github.com/intelli-systems/agent-gateway/pkg/config"
)

// ToggleRecord is one activation/deactivation in the switch's history.
type ToggleRecord struct {
	Active bool
	Reason string
	At     time.Time
	Actor  string
}

const historySize = 100

// Switch consults and mutates a GatewayConfig's kill-switch state,
// keeping a bounded audit trail of who flipped it and why.
type Switch struct {
	cfg *config.GatewayConfig

	mu       sync.Mutex
	history  []ToggleRecord
	onChange func(ToggleRecord)
}

// New builds a Switch bound to cfg. onChange, if non-nil, is invoked
// synchronously after every successful Activate/Deactivate — cmd/gateway
// wires this to publish eventbus.EventKillSwitchChanged.
func New(cfg *config.GatewayConfig, onChange func(ToggleRecord)) *Switch {
	return &Switch{cfg: cfg, onChange: onChange}
}

// Active reports whether the kill switch currently blocks all dispatch.
func (s *Switch) Active() bool {
	return s.cfg.KillSwitch().Active
}

// Reason returns the reason recorded for the current state.
func (s *Switch) Reason() string {
	return s.cfg.KillSwitch().Reason
}

// Activate halts all tool dispatch gateway-wide, per spec §4.10.
func (s *Switch) Activate(reason, actor string) {
	s.set(true, reason, actor)
}

// Deactivate resumes normal dispatch.
func (s *Switch) Deactivate(actor string) {
	s.set(false, "", actor)
}

func (s *Switch) set(active bool, reason, actor string) {
	s.cfg.SetKillSwitch(active, reason)

	rec := ToggleRecord{Active: active, Reason: reason, At: time.Now(), Actor: actor}
	s.mu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(rec)
	}
}

// History returns a snapshot of recent toggles, most recent last.
func (s *Switch) History() []ToggleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToggleRecord, len(s.history))
	copy(out, s.history)
	return out
}
