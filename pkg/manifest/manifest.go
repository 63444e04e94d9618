// Package manifest implements the Capability Verifier from spec §4.1: it
// loads a per-tool ToolManifest from disk and checks a call's declared
// capabilities against the deployment's allow-list.
package manifest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/intelli-systems/agent-gateway/pkg/config"
	"github.com/intelli-systems/agent-gateway/pkg/contracts"
)

// ToolManifest is the per-tool policy loaded from <manifest_dir>/<tool-path>.json.
type ToolManifest struct {
	Tool                 string            `json:"tool"`
	DisplayName          string            `json:"display_name"`
	Description          string            `json:"description"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	OptionalCapabilities []string          `json:"optional_capabilities"`
	RiskLevel            contracts.RiskLevel `json:"risk_level"`
	RequiresApproval     bool              `json:"requires_approval"`
	AllowedArgKeys       []string          `json:"allowed_arg_keys"`
	hasAllowedArgKeys    bool
}

// Load reads a manifest from disk. It returns (nil, nil) — not an error —
// when no manifest file exists, matching spec §4.1: "If no manifest
// exists, the call is permitted at this stage."
func Load(dir, tool string) (*ToolManifest, error) {
	rel := strings.ReplaceAll(tool, ".", string(filepath.Separator)) + ".json"
	path := filepath.Join(dir, rel)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var raw struct {
		Tool                 string              `json:"tool"`
		DisplayName          string              `json:"display_name"`
		Description          string              `json:"description"`
		RequiredCapabilities []string            `json:"required_capabilities"`
		OptionalCapabilities []string            `json:"optional_capabilities"`
		RiskLevel            contracts.RiskLevel `json:"risk_level"`
		RequiresApproval     bool                `json:"requires_approval"`
		AllowedArgKeys       *[]string           `json:"allowed_arg_keys"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	m := &ToolManifest{
		Tool:                 raw.Tool,
		DisplayName:          raw.DisplayName,
		Description:          raw.Description,
		RequiredCapabilities: raw.RequiredCapabilities,
		OptionalCapabilities: raw.OptionalCapabilities,
		RiskLevel:            raw.RiskLevel,
		RequiresApproval:     raw.RequiresApproval,
	}
	if raw.AllowedArgKeys != nil {
		m.AllowedArgKeys = *raw.AllowedArgKeys
		m.hasAllowedArgKeys = true
	}
	if m.RiskLevel == "" {
		m.RiskLevel = contracts.RiskLow
	}
	return m, nil
}

// Verifier checks tool calls against the deployment's capability policy.
type Verifier struct {
	cfg *config.GatewayConfig
}

// NewVerifier builds a Verifier bound to cfg. If cfg.AllowAllCaps is set,
// it logs a loud startup warning per spec §4.1 / §9: the ALL escape hatch
// "must be logged loudly" and must not silently permit production misuse.
func NewVerifier(cfg *config.GatewayConfig) *Verifier {
	if cfg.AllowAllCaps {
		slog.Warn("capability verifier started with ALL capabilities allowed — development escape hatch, do not use in production")
	}
	return &Verifier{cfg: cfg}
}

// Check loads tool's manifest (if any) and reports whether the call is
// allowed, plus the list of denied capabilities / arg-key violations.
func (v *Verifier) Check(tool string, args map[string]any) (allowed bool, denied []string, m *ToolManifest, err error) {
	m, err = Load(v.cfg.ManifestDir, tool)
	if err != nil {
		return false, nil, nil, err
	}
	if m == nil {
		// Unknown tools pass the capability check (spec §9's documented
		// trust-by-default), unless the deployment opts into strict
		// manifesting via the admitted (source-less) hook.
		if !v.cfg.AllowUnknownTools {
			return false, []string{"unknown_tool"}, nil, nil
		}
		return true, nil, nil, nil
	}

	for _, cap := range m.RequiredCapabilities {
		if !v.cfg.IsCapabilityAllowed(cap) {
			denied = append(denied, cap)
		}
	}

	if m.hasAllowedArgKeys && args != nil && !v.cfg.AllowAllCaps {
		allowedSet := make(map[string]struct{}, len(m.AllowedArgKeys))
		for _, k := range m.AllowedArgKeys {
			allowedSet[k] = struct{}{}
		}
		var extra []string
		for k := range args {
			if _, ok := allowedSet[k]; !ok {
				extra = append(extra, k)
			}
		}
		if len(extra) > 0 {
			denied = append(denied, fmt.Sprintf("arg_keys_not_allowed:%s", strings.Join(sortedCopy(extra), ",")))
		}
	}

	return len(denied) == 0, denied, m, nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
