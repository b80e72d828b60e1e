package shellcmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutableName(t *testing.T) {
	assert.Equal(t, "grep", ExecutableName("/usr/bin/grep", false))
	assert.Equal(t, "grep", ExecutableName("GREP", false))
	assert.Equal(t, `c:\tools\rg.exe`, ExecutableName(`C:\tools\rg.exe`, false))
	assert.Equal(t, "rg", ExecutableName(`C:\tools\rg.exe`, true))
	assert.Equal(t, "script.ps1", ExecutableName("script.ps1", true))
}

func TestResolveExecutable_PathSearch(t *testing.T) {
	opts, dir := fakeBins(t, "rg")
	res := ResolveExecutable([]string{"rg", "-n", "x"}, opts)
	assert.Equal(t, "rg", res.RawExecutable)
	assert.Equal(t, "rg", res.ExecutableName)
	assert.Equal(t, filepath.Join(dir, "rg"), res.ResolvedPath)
	assert.Equal(t, []string{"rg", "-n", "x"}, res.EffectiveArgv)
}

func TestResolveExecutable_Unresolved(t *testing.T) {
	opts, _ := fakeBins(t)
	res := ResolveExecutable([]string{"nope"}, opts)
	assert.Empty(t, res.ResolvedPath)
	assert.Equal(t, "nope", res.ExecutableName)
}

func TestResolveExecutable_NotExecutable(t *testing.T) {
	opts, dir := fakeBins(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data"), []byte("x"), 0o644))
	res := ResolveExecutable([]string{"data"}, opts)
	assert.Empty(t, res.ResolvedPath)
}

func TestResolveExecutable_RelativeAndHome(t *testing.T) {
	opts, dir := fakeBins(t, "tool")
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	opts.Cwd = sub

	res := ResolveExecutable([]string{"../tool"}, opts)
	assert.Equal(t, filepath.Join(dir, "tool"), res.ResolvedPath)

	res = ResolveExecutable([]string{"~/tool"}, opts)
	assert.Equal(t, filepath.Join(dir, "tool"), res.ResolvedPath)

	res = ResolveExecutable([]string{"~other/tool"}, opts)
	assert.Empty(t, res.ResolvedPath)

}

func TestResolveExecutable_EmptyCwdUsesWorkingDir(t *testing.T) {
	opts, dir := fakeBins(t, "tool")
	opts.Cwd = ""
	t.Chdir(dir)

	res := ResolveExecutable([]string{"./tool"}, opts)
	require.NotEmpty(t, res.ResolvedPath)
	want, err := filepath.EvalSymlinks(filepath.Join(dir, "tool"))
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(res.ResolvedPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveExecutable_SkipsRelativePathEntries(t *testing.T) {
	opts, dir := fakeBins(t, "tool")
	opts.Env["PATH"] = ".:" + filepath.Base(dir)
	opts.Cwd = dir
	res := ResolveExecutable([]string{"tool"}, opts)
	assert.Empty(t, res.ResolvedPath)
}
