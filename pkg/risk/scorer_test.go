package risk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intelli-systems/agent-gateway/pkg/contracts"
)

func TestComputeHighRiskToolName(t *testing.T) {
	level := Compute("system.exec", map[string]any{"cmd": "ls"}, contracts.RiskLow)
	require.Equal(t, contracts.RiskHigh, level)
}

func TestComputeMediumRiskToolName(t *testing.T) {
	level := Compute("file.read", map[string]any{"path": "/tmp/a"}, contracts.RiskLow)
	require.Equal(t, contracts.RiskMedium, level)
}

func TestComputeNeverDowngradesManifestRisk(t *testing.T) {
	level := Compute("echo", map[string]any{"msg": "hi"}, contracts.RiskHigh)
	require.Equal(t, contracts.RiskHigh, level)
}

func TestComputePathTraversalEscalatesToHigh(t *testing.T) {
	level := Compute("file.read", map[string]any{"path": "../../etc/passwd"}, contracts.RiskLow)
	require.Equal(t, contracts.RiskHigh, level)
}

func TestComputeSQLInjectionPatternEscalatesToHigh(t *testing.T) {
	level := Compute("echo", map[string]any{"q": "x'; DROP TABLE users"}, contracts.RiskLow)
	require.Equal(t, contracts.RiskHigh, level)
}

func TestComputeLargeArgValueEscalatesToMedium(t *testing.T) {
	level := Compute("echo", map[string]any{"blob": strings.Repeat("a", 600)}, contracts.RiskLow)
	require.Equal(t, contracts.RiskMedium, level)
}

func TestComputeSuspiciousKeyEscalatesToMedium(t *testing.T) {
	level := Compute("echo", map[string]any{"shell_command": "whoami"}, contracts.RiskLow)
	require.Equal(t, contracts.RiskMedium, level)
}

func TestComputeBenignCallStaysLow(t *testing.T) {
	level := Compute("echo", map[string]any{"msg": "hello"}, contracts.RiskLow)
	require.Equal(t, contracts.RiskLow, level)
}
