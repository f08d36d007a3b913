// Package processenv implements the default sandbox.Adapter: a local
// os/exec child process, the primary path described for the Spawner's
// environment sandbox ("a fresh environment containing only PATH, core API
// keys, and the module's declared credentials").
package processenv

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/tzeusy/butlers/internal/sandbox"
)

// Adapter runs a ProcessSpec as a local child process. It holds no state
// and is safe for concurrent use across butlers.
type Adapter struct{}

// New returns a processenv.Adapter.
func New() *Adapter {
	return &Adapter{}
}

// Run implements sandbox.Adapter.
func (a *Adapter) Run(ctx context.Context, spec sandbox.ProcessSpec) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, spec.BinaryPath, spec.Args...)
	cmd.Env = envSlice(spec.Env)
	cmd.Dir = spec.Dir
	if spec.Stdin != "" {
		cmd.Stdin = bytes.NewBufferString(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
