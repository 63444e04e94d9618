package main

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intelli-systems/agent-gateway/pkg/contracts"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"gateway", "help"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "USAGE")
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"gateway", "bogus"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "Unknown command")
}

func TestRunDefaultsToServer(t *testing.T) {
	orig := startServer
	started := false
	startServer = func(stdout, stderr io.Writer) { started = true }
	defer func() { startServer = orig }()

	var stdout, stderr bytes.Buffer
	code := Run([]string{"gateway"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.True(t, started)
}

func TestStatusCodeForMapsEveryStatus(t *testing.T) {
	cases := map[contracts.Status]int{
		contracts.StatusAccepted:          200,
		contracts.StatusPendingApproval:   200,
		contracts.StatusValidationError:   400,
		contracts.StatusCapabilityDenied:  403,
		contracts.StatusApprovalDenied:    403,
		contracts.StatusBlockedKillSwitch: 403,
		contracts.StatusRateLimited:       429,
		contracts.StatusUserRateLimited:   429,
		contracts.StatusWorkerUnavailable: 503,
		contracts.StatusWorkerTimeout:     503,
		contracts.StatusApprovalTimeout:   504,
	}
	for status, want := range cases {
		require.Equal(t, want, statusCodeFor(status), "status %s", status)
	}
}

func TestClientKeyForPrefersAPIKeyHeader(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/tool-calls", nil)
	req.Header.Set("X-API-Key", "abc123")
	require.Equal(t, "abc123", clientKeyFor(req))
}

func TestClientKeyForFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/tool-calls", nil)
	req.RemoteAddr = "203.0.113.5:54321"
	require.Equal(t, "203.0.113.5", clientKeyFor(req))
}
