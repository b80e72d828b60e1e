package safebin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLongFlagIndex_Resolve(t *testing.T) {
	ix := mustBuiltin(t, "sort").Index()

	c, ok := ix.Resolve("--reverse")
	require.True(t, ok)
	assert.Equal(t, "--reverse", c)

	c, ok = ix.Resolve("--compress-prog")
	require.True(t, ok)
	assert.Equal(t, "--compress-program", c)

	_, ok = ix.Resolve("--f")
	assert.False(t, ok, "--f is shared by --field-separator and --files0-from")

	_, ok = ix.Resolve("--r")
	assert.False(t, ok)

	_, ok = ix.Resolve("--nope")
	assert.False(t, ok)

	v, present := ix.Prefixes["--f"]
	assert.True(t, present)
	assert.Equal(t, "", v)
}

func TestLongFlagIndex_ExactBeatsPrefix(t *testing.T) {
	p, err := NewProfile(Spec{LongFlags: []string{"--line", "--lines"}})
	require.NoError(t, err)
	c, ok := p.Index().Resolve("--line")
	require.True(t, ok)
	assert.Equal(t, "--line", c)
	c, ok = p.Index().Resolve("--lines")
	require.True(t, ok)
	assert.Equal(t, "--lines", c)
}

func TestBuiltinsAreCached(t *testing.T) {
	for _, name := range DefaultSafeBins() {
		assert.True(t, mustBuiltin(t, name).Cached(), name)
	}
	assert.Equal(t, []string{"cut", "grep", "head", "jq", "sort", "tail", "tr", "uniq", "wc"}, DefaultSafeBins())
}

func TestCachedAndDerivedIndexesAgree(t *testing.T) {
	for _, name := range DefaultSafeBins() {
		p := mustBuiltin(t, name)
		assert.Equal(t, p.Index(), BuildLongFlagIndex(p), name)
	}
}

func TestNewProfile_Validation(t *testing.T) {
	_, err := NewProfile(Spec{AllowedValueFlags: []string{"x"}})
	assert.Error(t, err)
	_, err = NewProfile(Spec{LongFlags: []string{"-x"}})
	assert.Error(t, err)
	_, err = NewProfile(Spec{MinPositional: 2, MaxPositional: maxPos(1)})
	assert.Error(t, err)
	_, err = NewProfile(Spec{MinPositional: -1})
	assert.Error(t, err)

	p, err := NewProfile(Spec{})
	require.NoError(t, err)
	assert.Equal(t, Unbounded, p.MaxPositional)
	assert.True(t, ValidateSafeBinArgv([]string{"a", "b", "c"}, p))
}

func TestRegistry_CustomShadowsBuiltin(t *testing.T) {
	r, err := NewRegistry(map[string]Spec{
		"Grep":   {MaxPositional: maxPos(1)},
		"base64": {DeniedFlags: []string{"--decode", "-d"}, LongFlags: []string{"--wrap"}, MaxPositional: maxPos(0)},
	})
	require.NoError(t, err)

	g, ok := r.Lookup("grep")
	require.True(t, ok)
	assert.False(t, g.Cached())
	assert.True(t, ValidateSafeBinArgv([]string{"needle"}, g))

	b, ok := r.Lookup("base64")
	require.True(t, ok)
	assert.False(t, ValidateSafeBinArgv([]string{"--dec"}, b))
	assert.True(t, ValidateSafeBinArgv([]string{"--wrap"}, b))

	_, ok = r.Lookup("rm")
	assert.False(t, ok)
	assert.Contains(t, r.Names(), "base64")
	assert.Contains(t, r.Names(), "wc")

	var nilReg *Registry
	_, ok = nilReg.Lookup("wc")
	assert.True(t, ok)

	_, err = NewRegistry(map[string]Spec{"bad": {DeniedFlags: []string{"oops"}}})
	assert.Error(t, err)
}

func TestNormalizeSafeBins(t *testing.T) {
	got := NormalizeSafeBins([]string{" Grep ", "", "jq"})
	assert.Equal(t, map[string]struct{}{"grep": {}, "jq": {}}, got)
}
