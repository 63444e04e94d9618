package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*os.File, *os.File, *os.File, *os.File) {
	t.Helper()
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
	})
	return inR, inW, outR, outW
}

func writeLine(t *testing.T, w *os.File, req request) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = w.Write(append(data, '\n'))
	require.NoError(t, err)
}

func readResponse(t *testing.T, r *bufio.Reader) response {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var resp response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func TestRunHandlesNoop(t *testing.T) {
	inR, inW, outR, outW := pipePair(t)
	done := make(chan int, 1)
	go func() { done <- run(inR, outW) }()

	writeLine(t, inW, request{ID: "1", Action: "noop"})
	reader := bufio.NewReader(outR)
	resp := readResponse(t, reader)
	require.Equal(t, "1", resp.ID)
	require.Equal(t, true, resp.Result["ok"])

	inW.Close()
	require.Equal(t, 0, <-done)
}

func TestRunHandlesEcho(t *testing.T) {
	inR, inW, outR, outW := pipePair(t)
	go run(inR, outW)

	writeLine(t, inW, request{ID: "2", Action: "echo", Params: map[string]any{"x": 1.0}})
	reader := bufio.NewReader(outR)
	resp := readResponse(t, reader)
	require.Equal(t, "2", resp.ID)
	echoed := resp.Result["echo"].(map[string]any)
	require.Equal(t, 1.0, echoed["x"])

	inW.Close()
}

func TestRunRejectsDisallowedAction(t *testing.T) {
	inR, inW, outR, outW := pipePair(t)
	done := make(chan int, 1)
	go func() { done <- run(inR, outW) }()

	writeLine(t, inW, request{ID: "3", Action: "not-a-real-action"})
	reader := bufio.NewReader(outR)
	resp := readResponse(t, reader)
	require.Contains(t, resp.Error, "not allowed")

	inW.Close()
	require.Equal(t, 3, <-done)
}

func TestShellDisabledByDefault(t *testing.T) {
	require.False(t, allowedActions["shell"], "shell must be opt-in via AGENT_GATEWAY_WORKER_ALLOW_SHELL")
}

func TestDispatchNoop(t *testing.T) {
	result, err := dispatch("noop", nil)
	require.NoError(t, err)
	require.Equal(t, true, result["ok"])
}

func TestDispatchEcho(t *testing.T) {
	result, err := dispatch("echo", map[string]any{"a": "b"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": "b"}, result["echo"])
}

func TestWriteResponseWritesNewlineDelimitedJSON(t *testing.T) {
	var buf bytes.Buffer
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	go func() {
		writeResponse(w, response{ID: "x", Result: map[string]any{"ok": true}})
		w.Close()
	}()

	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	buf.WriteString(line)

	var resp response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Equal(t, "x", resp.ID)
}
