package shellcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnwrap_Dispatch(t *testing.T) {
	tests := []struct {
		argv    []string
		wrapper string
		want    []string
	}{
		{[]string{"sudo", "-u", "root", "ls", "-la"}, "sudo", []string{"ls", "-la"}},
		{[]string{"sudo", "-nE", "FOO=1", "ls"}, "sudo", []string{"ls"}},
		{[]string{"nice", "-n", "10", "make"}, "nice", []string{"make"}},
		{[]string{"nice", "-5", "make"}, "nice", []string{"make"}},
		{[]string{"nohup", "server", "--port", "1"}, "nohup", []string{"server", "--port", "1"}},
		{[]string{"timeout", "-s", "KILL", "5", "curl", "x"}, "timeout", []string{"curl", "x"}},
		{[]string{"timeout", "--kill-after=1", "5s", "curl"}, "timeout", []string{"curl"}},
		{[]string{"xargs", "-0", "-n1", "grep", "x"}, "xargs", []string{"grep", "x"}},
		{[]string{"stdbuf", "-oL", "tail"}, "stdbuf", []string{"tail"}},
		{[]string{"time", "-p", "--", "ls"}, "time", []string{"ls"}},
	}
	for _, tt := range tests {
		u := Unwrap(tt.argv, false)
		assert.Equal(t, Unwrapped, u.Status, tt.argv)
		assert.Equal(t, Dispatch, u.Kind, tt.argv)
		assert.Equal(t, tt.wrapper, u.Wrapper)
		assert.Equal(t, tt.want, u.Argv)
	}
	assert.True(t, Unwrap([]string{"xargs", "rm"}, false).AppendsArgs)
}

func TestUnwrap_Blocked(t *testing.T) {
	for _, argv := range [][]string{
		{"sudo", "-s"},
		{"sudo", "--bogus", "ls"},
		{"sudo", "PATH=/tmp", "ls"},
		{"sudo", "-u", "root"},
		{"timeout", "5"},
		{"xargs", "-a", "list", "rm"},
		{"time", "-o", "out", "ls"},
		{"env", "-S", "ls -la"},
		{"env", "-i", "ls"},
		{"env", "PATH=/tmp/evil", "ls"},
		{"env", "LD_PRELOAD=x.so", "ls"},
		{"bash", "-c"},
		{"sh", "-c", "$CMD"},
		{"sh", "-c", "   "},
		{"powershell", "-EncodedCommand", "ZQBjAGgAbwA="},
	} {
		u := Unwrap(argv, false)
		assert.Equal(t, Blocked, u.Status, argv)
		assert.NotEmpty(t, u.Reason, argv)
	}
}

func TestUnwrap_NotApplicable(t *testing.T) {
	for _, argv := range [][]string{
		{"ls", "-la"},
		{"bash", "script.sh"},
		{"bash"},
		{"env"},
		{"env", "FOO=1"},
		{"cmd", "dir"},
	} {
		assert.Equal(t, NotApplicable, Unwrap(argv, false).Status, argv)
	}
}

func TestUnwrap_Multiplexer(t *testing.T) {
	u := Unwrap([]string{"bash", "-lc", "ls -la"}, false)
	assert.Equal(t, Unwrapped, u.Status)
	assert.Equal(t, Multiplexer, u.Kind)
	assert.Equal(t, "ls -la", u.Inline)

	u = Unwrap([]string{"bash", "-o", "pipefail", "-c", "a | b"}, false)
	assert.Equal(t, "a | b", u.Inline)

	u = Unwrap([]string{"/bin/sh", "-c", "--", "echo hi"}, false)
	assert.Equal(t, "echo hi", u.Inline)

	u = Unwrap([]string{"env", "FOO=1", "BAR=2", "ls"}, false)
	assert.Equal(t, Unwrapped, u.Status)
	assert.Equal(t, []string{"ls"}, u.Argv)

	u = Unwrap([]string{"cmd.exe", "/d", "/c", "dir", "C:\\"}, true)
	assert.Equal(t, "dir C:\\", u.Inline)
	assert.True(t, u.InlineWindows)

	u = Unwrap([]string{"pwsh", "-NoProfile", "-Command", "Get-ChildItem"}, false)
	assert.Equal(t, "Get-ChildItem", u.Inline)
}
