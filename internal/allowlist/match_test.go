package allowlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/internal/shellcmd"
)

func resolved(p string) *shellcmd.CommandResolution {
	return &shellcmd.CommandResolution{ResolvedPath: p}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		in   string
		typ  PatternType
		ok   []string
		miss []string
	}{
		{"/usr/bin/git", PatternTypeLiteral, []string{"/usr/bin/git"}, []string{"/usr/bin/git2", "/usr/local/bin/git"}},
		{"/usr/bin/*", PatternTypeGlob, []string{"/usr/bin/git", "/usr/bin/rg"}, []string{"/usr/bin/sub/x", "/usr/local/bin/git"}},
		{"/opt/**/bin/tool", PatternTypeGlob, []string{"/opt/a/b/bin/tool"}, []string{"/opt/a/b/bin/tool2"}},
		{"/usr/bin/{git,rg}", PatternTypeGlob, []string{"/usr/bin/rg"}, []string{"/usr/bin/fd"}},
		{"re:/usr/(local/)?bin/go", PatternTypeRegex, []string{"/usr/bin/go", "/usr/local/bin/go"}, []string{"/usr/bin/gofmt"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := Compile(tt.in, CompileOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.typ, p.Type)
			for _, s := range tt.ok {
				assert.True(t, p.match(s), s)
			}
			for _, s := range tt.miss {
				assert.False(t, p.match(s), s)
			}
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	for _, in := range []string{"", "  ", "re:", "re:(", "re:(a+)+(b+)+(c+)+(d+)+"} {
		_, err := Compile(in, CompileOptions{MaxRegexComplexity: 1000})
		assert.Error(t, err, in)
	}
}

func TestCompile_HomeAndCase(t *testing.T) {
	p, err := Compile("~/bin/*", CompileOptions{Home: "/home/dev"})
	require.NoError(t, err)
	assert.True(t, p.match("/home/dev/bin/tool"))

	opts := CompileOptions{CaseInsensitive: true}
	p, err = Compile(`C:\Tools\*.exe`, opts)
	require.NoError(t, err)
	assert.True(t, p.match(normalizeTarget(`c:\tools\RG.EXE`, opts)))
}

func TestIsPathPattern(t *testing.T) {
	assert.True(t, IsPathPattern("/usr/bin/git"))
	assert.True(t, IsPathPattern("~/bin/x"))
	assert.True(t, IsPathPattern(`C:\bin\x.exe`))
	assert.True(t, IsPathPattern("re:.*"))
	assert.False(t, IsPathPattern("git"))
	assert.False(t, IsPathPattern("*"))
}

func TestMatcher(t *testing.T) {
	entries := []Entry{
		{ID: "1", Pattern: "git"},
		{ID: "2", Pattern: "re:("},
		{ID: "3", Pattern: "/usr/bin/git"},
		{ID: "4", Pattern: "/usr/bin/*"},
	}
	m := NewMatcher(entries, CompileOptions{}, nil)
	assert.Equal(t, 2, m.Len())

	e, ok := m.Match(resolved("/usr/bin/git"))
	require.True(t, ok)
	assert.Equal(t, "3", e.ID)

	e, ok = m.Match(resolved("/usr/bin/rg"))
	require.True(t, ok)
	assert.Equal(t, "4", e.ID)

	_, ok = m.Match(resolved(""))
	assert.False(t, ok)
	_, ok = m.Match(nil)
	assert.False(t, ok)

	var nilMatcher *Matcher
	_, ok = nilMatcher.Match(resolved("/usr/bin/git"))
	assert.False(t, ok)
}

func TestMatchAllowlist(t *testing.T) {
	_, ok := MatchAllowlist([]Entry{{Pattern: "/bin/*"}}, resolved("/bin/ls"), CompileOptions{})
	assert.True(t, ok)
	_, ok = MatchAllowlist([]Entry{{Pattern: "ls"}}, resolved("/bin/ls"), CompileOptions{})
	assert.False(t, ok)
}
