package argv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		after bool
		want  Token
	}{
		{"empty", "", false, Empty{}},
		{"empty after terminator", "", true, Empty{}},
		{"stdin", "-", false, StdinPlaceholder{}},
		{"terminator", "--", false, Terminator{}},
		{"positional", "needle", false, Positional{Value: "needle"}},
		{"short cluster", "-rn", false, ShortCluster{Cluster: "-rn", Flags: []string{"-r", "-n"}}},
		{"short with value", "-n5", false, ShortCluster{Cluster: "-n5", Flags: []string{"-n", "-5"}}},
		{"forced positional", "-rf", true, Positional{Value: "-rf"}},
		{"forced positional long", "--output=x", true, Positional{Value: "--output=x"}},
		{"second terminator is positional", "--", true, Positional{Value: "--"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.raw, tt.after))
		})
	}
}

func TestClassify_LongFlag(t *testing.T) {
	tok := Classify("--lines", false)
	lf, ok := tok.(LongFlag)
	require.True(t, ok)
	assert.Equal(t, "--lines", lf.Flag)
	assert.False(t, lf.HasInline)
	assert.Equal(t, "--lines", lf.Raw())

	tok = Classify("--lines=10", false)
	lf, ok = tok.(LongFlag)
	require.True(t, ok)
	assert.Equal(t, "--lines", lf.Flag)
	assert.True(t, lf.HasInline)
	assert.Equal(t, "10", lf.InlineValue)
	assert.Equal(t, "--lines=10", lf.Raw())

	// An empty inline value is still an inline value.
	lf = Classify("--sep=", false).(LongFlag)
	assert.True(t, lf.HasInline)
	assert.Equal(t, "", lf.InlineValue)
}

func TestTokenize_TerminatorForcesPositionals(t *testing.T) {
	toks := Tokenize([]string{"-n", "3", "--", "-x", "--y", "-"})
	require.Len(t, toks, 6)
	assert.IsType(t, ShortCluster{}, toks[0])
	assert.IsType(t, Positional{}, toks[1])
	assert.IsType(t, Terminator{}, toks[2])
	assert.Equal(t, Positional{Value: "-x"}, toks[3])
	assert.Equal(t, Positional{Value: "--y"}, toks[4])
	assert.Equal(t, Positional{Value: "-"}, toks[5])
}

func TestKind(t *testing.T) {
	assert.Equal(t, "positional", Kind(Positional{}))
	assert.Equal(t, "long-flag", Kind(LongFlag{}))
	assert.Equal(t, "short-cluster", Kind(ShortCluster{}))
	assert.Equal(t, "terminator", Kind(Terminator{}))
	assert.Equal(t, "empty", Kind(Empty{}))
	assert.Equal(t, "stdin", Kind(StdinPlaceholder{}))
}
