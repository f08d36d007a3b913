package spawner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticMemory struct{ context string }

func (m staticMemory) Load(context.Context) (string, error) { return m.context, nil }

func TestFilePromptLoaderReadsSystemPrompt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AGENTS.md")
	require.NoError(t, os.WriteFile(path, []byte("you are the billing butler"), 0o644))

	l := NewFilePromptLoader(path, nil)
	systemPrompt, memoryContext, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "you are the billing butler", systemPrompt)
	require.Empty(t, memoryContext)
}

func TestFilePromptLoaderReturnsMemoryContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AGENTS.md")
	require.NoError(t, os.WriteFile(path, []byte("you are the billing butler"), 0o644))

	l := NewFilePromptLoader(path, staticMemory{context: "last invoice: #4821, unpaid"})
	systemPrompt, memoryContext, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "you are the billing butler", systemPrompt)
	require.Equal(t, "last invoice: #4821, unpaid", memoryContext)
}

func TestFilePromptLoaderErrorsOnMissingFile(t *testing.T) {
	l := NewFilePromptLoader(filepath.Join(t.TempDir(), "missing", "AGENTS.md"), nil)
	_, _, err := l.Load(context.Background())
	require.Error(t, err)
}
