package dockersandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// These exercise the pure staging/quoting helpers only; anything that talks
// to a Docker daemon needs one running and is left to an operator's manual
// or CI-gated integration pass, the same boundary the teacher drew around
// its own Docker adapter (left untested in-repo, unlike its Reconciler,
// which is exercised against a fake Runtime).

func TestNewRejectsEmptyImage(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	require.Equal(t, `'it'\''s fine'`, shellQuote("it's fine"))
	require.Equal(t, `'plain'`, shellQuote("plain"))
}

func TestJoinArgsSpaceSeparates(t *testing.T) {
	require.Equal(t, "'a' 'b' 'c'", joinArgs([]string{"'a'", "'b'", "'c'"}))
}

func TestWriteStdinFileWritesContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeStdinFile(dir, "hello"))

	raw, err := os.ReadFile(filepath.Join(dir, "stdin.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(raw))
}
