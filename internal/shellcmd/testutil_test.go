package shellcmd

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeBins creates an executable stub for each name in a fresh directory and
// returns Options whose PATH contains only that directory.
func fakeBins(t *testing.T, names ...string) (Options, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("executable bit stubs are POSIX only")
	}
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("#!/bin/sh\n"), 0o755))
	}
	return Options{Cwd: dir, Env: map[string]string{"PATH": dir, "HOME": dir}, Platform: "linux"}, dir
}
