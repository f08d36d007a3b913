package dockersandbox

import (
	"os"
	"path/filepath"
	"strings"
)

// writeStdinFile stages a spec's stdin content into dir so the container can
// read it back via shell redirection (no attached stdin stream is opened
// for these short-lived containers).
func writeStdinFile(dir, content string) error {
	return os.WriteFile(filepath.Join(dir, "stdin.txt"), []byte(content), 0o600)
}

// shellQuote wraps s in single quotes for safe use inside `sh -c`, escaping
// any single quotes it already contains.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
