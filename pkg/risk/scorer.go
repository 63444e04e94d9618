// Package risk implements the gateway's second line of defense: a risk
// scorer independent of the tool manifest, per spec §4.3. Suspicious
// arguments can override a tool's declared low risk; risk only ever
// escalates, never downgrades, as the rule pipeline runs.
package risk

import (
	"regexp"
	"strings"

	"github.com/intelli-systems/agent-gateway/pkg/contracts"
)

var (
	highRiskTool   = regexp.MustCompile(`(?i)system\.exec|file\.write|file\.delete|network\.request`)
	mediumRiskTool = regexp.MustCompile(`(?i)file\.read|clipboard\.read`)
	sqlInjection   = regexp.MustCompile(`(?i)'\s*;\s*(DROP|DELETE|UPDATE|INSERT)`)
	suspiciousKey  = regexp.MustCompile(`(?i)command|cmd|exec|shell|eval`)
)

const largeArgValueLen = 500

// Compute classifies a tool call as low/medium/high. manifestRisk is the
// tool's declared risk_level if a manifest exists, or contracts.RiskLow if
// none does (step 1 of the §4.3 pipeline).
func Compute(tool string, args map[string]any, manifestRisk contracts.RiskLevel) contracts.RiskLevel {
	level := manifestRisk

	if highRiskTool.MatchString(tool) {
		level = level.Max(contracts.RiskHigh)
	} else if mediumRiskTool.MatchString(tool) {
		level = level.Max(contracts.RiskMedium)
	}

	for key, v := range args {
		if s, ok := v.(string); ok {
			level = level.Max(scoreStringValue(s))
		}
		if suspiciousKey.MatchString(key) {
			level = level.Max(contracts.RiskMedium)
		}
	}

	return level
}

func scoreStringValue(s string) contracts.RiskLevel {
	if strings.Contains(s, "../") || strings.HasPrefix(s, "/proc/") {
		return contracts.RiskHigh
	}
	if sqlInjection.MatchString(s) {
		return contracts.RiskHigh
	}
	if len(s) > largeArgValueLen {
		return contracts.RiskMedium
	}
	return contracts.RiskLow
}
