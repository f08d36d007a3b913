package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeCLI writes a tiny shell script that prints a fixed JSON result,
// standing in for the real claude-code/codex/gemini binaries in tests.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cli.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

func TestCLIAdapterInvokeSuccess(t *testing.T) {
	bin := fakeCLI(t, `echo '{"output_text":"done","tool_calls":[{"name":"state.get","arguments":"{}","result":"ok"}],"usage":{"input_tokens":10,"output_tokens":20}}'`)
	a := NewCLIAdapter(VariantClaudeCode, bin)

	res, err := a.Invoke(context.Background(), InvokeRequest{
		Prompt:       "log my weight",
		SystemPrompt: "you are a health butler",
		MCPServers:   []MCPServerConfig{{Name: "health", URL: "http://localhost:9001/mcp", RuntimeSessionID: "sess-1"}},
		Model:        "sonnet",
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "done", res.OutputText)
	require.Len(t, res.ToolCalls, 1)
	require.Equal(t, "state.get", res.ToolCalls[0].Name)
	require.Equal(t, 10, res.Usage.InputTokens)
	require.Equal(t, 20, res.Usage.OutputTokens)
}

func TestCLIAdapterNonZeroExitSurfacesAsError(t *testing.T) {
	bin := fakeCLI(t, `echo "boom" 1>&2; exit 1`)
	a := NewCLIAdapter(VariantCodex, bin)

	_, err := a.Invoke(context.Background(), InvokeRequest{Prompt: "hi", Timeout: 5 * time.Second})
	require.Error(t, err)
}

func TestCLIAdapterUnparseableOutputIsError(t *testing.T) {
	bin := fakeCLI(t, `echo "not json"`)
	a := NewCLIAdapter(VariantGemini, bin)

	_, err := a.Invoke(context.Background(), InvokeRequest{Prompt: "hi", Timeout: 5 * time.Second})
	require.Error(t, err)
}

func TestCLIAdapterTimeout(t *testing.T) {
	bin := fakeCLI(t, `sleep 2; echo '{"output_text":"late"}'`)
	a := NewCLIAdapter(VariantClaudeCode, bin)

	_, err := a.Invoke(context.Background(), InvokeRequest{Prompt: "hi", Timeout: 50 * time.Millisecond})
	require.Error(t, err)
}

func TestWriteMCPConfigBindsRuntimeSessionID(t *testing.T) {
	dir := t.TempDir()
	path, err := writeMCPConfig(dir, []MCPServerConfig{{Name: "health", URL: "http://localhost:9001/mcp", RuntimeSessionID: "sess-1"}})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "runtime_session_id=sess-1")
}
