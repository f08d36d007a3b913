package spawner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// MemoryLoader optionally supplies the memory context a FilePromptLoader
// returns alongside the system prompt, when a memory module is active for
// the butler; Spawner.Trigger appends it after a blank line. A nil
// MemoryLoader means the returned memory context is always empty.
type MemoryLoader interface {
	Load(ctx context.Context) (string, error)
}

// FilePromptLoader implements SystemPromptLoader by reading
// roster/<butler>/AGENTS.md off disk, the convention grounded in
// cmd/ruriko's loadTemplatesFS (fs.Stat-gated, warn-and-continue on a
// missing directory rather than failing startup).
type FilePromptLoader struct {
	path   string
	memory MemoryLoader
}

// NewFilePromptLoader returns a loader reading systemPromptPath (typically
// "roster/<butler>/AGENTS.md"). memory may be nil.
func NewFilePromptLoader(systemPromptPath string, memory MemoryLoader) *FilePromptLoader {
	return &FilePromptLoader{path: systemPromptPath, memory: memory}
}

// Load reads the system prompt file and, if a MemoryLoader is configured,
// the current memory context. A missing prompt file is an error — unlike
// the optional templates directory, a butler with no system prompt is a
// configuration mistake, not a degraded-but-running state.
func (l *FilePromptLoader) Load(ctx context.Context) (string, string, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return "", "", fmt.Errorf("spawner: read system prompt %s: %w", filepath.Clean(l.path), err)
	}

	if l.memory == nil {
		return string(raw), "", nil
	}
	memoryContext, err := l.memory.Load(ctx)
	if err != nil {
		return "", "", fmt.Errorf("spawner: load memory context: %w", err)
	}
	return string(raw), memoryContext, nil
}
