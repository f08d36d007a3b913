package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tzeusy/butlers/common/redact"
	"github.com/tzeusy/butlers/internal/corerr"
	"github.com/tzeusy/butlers/internal/sandbox"
	"github.com/tzeusy/butlers/internal/sandbox/processenv"
)

// mcpConfigFile mirrors the JSON shape claude-code/codex/gemini CLIs expect
// for `--mcp-config`: a single server keyed by name, streamable-HTTP
// transport, pointed at the parent butler's own endpoint.
type mcpConfigFile struct {
	MCPServers map[string]mcpConfigServer `json:"mcpServers"`
}

type mcpConfigServer struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// cliResult is the structured JSON one invocation prints to stdout. The
// exact schema is variant-specific in the real CLIs; this is the
// intersection this core relies on.
type cliResult struct {
	OutputText string `json:"output_text"`
	ToolCalls  []struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
		Result    string `json:"result"`
		Error     string `json:"error"`
	} `json:"tool_calls"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// CLIAdapter implements Adapter by spawning one of the LLM-CLI variants as a
// subprocess per invocation, grounded on the exec.CommandContext usage in
// gitai/mcp.NewClient and gitai/supervisor's env-building convention. Where
// that subprocess actually runs — a local child or a short-lived container
// — is delegated to a sandbox.Adapter.
type CLIAdapter struct {
	variant    Variant
	binaryPath string
	sandbox    sandbox.Adapter
}

// NewCLIAdapter returns a CLIAdapter for variant, invoking binaryPath (e.g.
// "claude", "codex", "gemini" on $PATH, or an absolute path) as a local
// child process.
func NewCLIAdapter(variant Variant, binaryPath string) *CLIAdapter {
	return NewCLIAdapterWithSandbox(variant, binaryPath, processenv.New())
}

// NewCLIAdapterWithSandbox is NewCLIAdapter with an explicit sandbox, e.g. a
// dockersandbox.Adapter for roster entries declaring sandbox: docker.
func NewCLIAdapterWithSandbox(variant Variant, binaryPath string, sb sandbox.Adapter) *CLIAdapter {
	return &CLIAdapter{variant: variant, binaryPath: binaryPath, sandbox: sb}
}

// Invoke runs one ephemeral turn. The MCP config and system prompt are
// written to a per-call temp directory so concurrent invocations for
// different butlers never race on the same file (the spawner's serial lock
// already prevents concurrent invocations for the *same* butler).
func (a *CLIAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	workDir, err := os.MkdirTemp("", "butler-session-*")
	if err != nil {
		return nil, corerr.New(corerr.KindInternal, "create session workdir", err)
	}
	defer os.RemoveAll(workDir)

	configPath, err := writeMCPConfig(workDir, req.MCPServers)
	if err != nil {
		return nil, corerr.New(corerr.KindInternal, "write mcp config", err)
	}

	args := a.buildArgs(configPath, req)
	stdout, stderr, runErr := a.sandbox.Run(ctx, sandbox.ProcessSpec{
		BinaryPath: a.binaryPath,
		Args:       args,
		Env:        req.Env,
		Dir:        workDir,
		Stdin:      req.Prompt,
	})
	if ctx.Err() != nil {
		return nil, corerr.NewRetryable(corerr.KindTimeout, true,
			fmt.Sprintf("%s invocation exceeded its deadline", a.variant), ctx.Err())
	}
	if runErr != nil {
		return nil, corerr.New(corerr.KindInternal,
			fmt.Sprintf("%s exited with error: %s", a.variant, redactEnvValues(string(stderr), req.Env)), runErr)
	}

	var parsed cliResult
	if err := json.Unmarshal(stdout, &parsed); err != nil {
		return nil, corerr.New(corerr.KindInternal,
			fmt.Sprintf("%s produced unparseable output", a.variant), err)
	}

	out := &InvokeResult{
		OutputText: parsed.OutputText,
		Usage:      Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens},
	}
	for _, tc := range parsed.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name: tc.Name, Arguments: tc.Arguments, Result: tc.Result, Error: tc.Error,
		})
	}
	return out, nil
}

// buildArgs maps the invoke request onto each variant's CLI flags. The
// three variants accept near-identical flags for the subset this core uses.
func (a *CLIAdapter) buildArgs(configPath string, req InvokeRequest) []string {
	args := []string{"--print", "--output-format", "json", "--mcp-config", configPath}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args
}

// writeMCPConfig writes the single-server MCP config the spawned process
// reads on startup.
func writeMCPConfig(dir string, servers []MCPServerConfig) (string, error) {
	cfg := mcpConfigFile{MCPServers: make(map[string]mcpConfigServer, len(servers))}
	for _, s := range servers {
		url := s.URL
		if s.RuntimeSessionID != "" {
			sep := "?"
			if bytes.ContainsRune([]byte(url), '?') {
				sep = "&"
			}
			url = fmt.Sprintf("%s%sruntime_session_id=%s", url, sep, s.RuntimeSessionID)
		}
		cfg.MCPServers[s.Name] = mcpConfigServer{Type: "http", URL: url}
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	path := dir + "/mcp-config.json"
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// redactEnvValues strips every credential value injected into the process
// environment from s before it reaches a log line or a corerr message — a
// misbehaving CLI variant that echoes its own environment back on failure
// must never leak an API key into the daemon's own logs.
func redactEnvValues(s string, env map[string]string) string {
	values := make([]string, 0, len(env))
	for _, v := range env {
		values = append(values, v)
	}
	return redact.String(s, values...)
}
