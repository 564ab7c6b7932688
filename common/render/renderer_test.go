package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() map[string]interface{} {
	return map[string]interface{}{
		"name":  "amy",
		"count": 3,
		"empty": "",
		"flag":  true,
		"items": []interface{}{"a", "b", "c"},
		"workload": map[string]interface{}{
			"city": "berlin",
		},
	}
}

func TestRenderStringPlainText(t *testing.T) {
	r := NewRenderer()

	out, err := r.RenderString("no templates here", testContext(), Lenient)
	require.NoError(t, err)
	assert.Equal(t, "no templates here", out)
}

func TestRenderStringSingleExpressionKeepsType(t *testing.T) {
	r := NewRenderer()

	out, err := r.RenderString("{{ count }}", testContext(), Lenient)
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)

	out, err = r.RenderString("{{ flag }}", testContext(), Lenient)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = r.RenderString("{{ items }}", testContext(), Lenient)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, out)
}

func TestRenderStringInterpolation(t *testing.T) {
	r := NewRenderer()

	out, err := r.RenderString("hello {{ name }}, visit {{ workload.city }}", testContext(), Lenient)
	require.NoError(t, err)
	assert.Equal(t, "hello amy, visit berlin", out)
}

func TestRenderStringExpression(t *testing.T) {
	r := NewRenderer()

	out, err := r.RenderString("{{ count * 2 }}", testContext(), Lenient)
	require.NoError(t, err)
	assert.EqualValues(t, 6, out)

	out, err = r.RenderString("{{ count > 2 && flag }}", testContext(), Lenient)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestRenderStringLenientKeepsUnresolved(t *testing.T) {
	r := NewRenderer()

	out, err := r.RenderString("{{ nope.missing }}", testContext(), Lenient)
	require.NoError(t, err)
	assert.Equal(t, "{{ nope.missing }}", out)

	out, err = r.RenderString("prefix {{ nope }} suffix", testContext(), Lenient)
	require.NoError(t, err)
	assert.Equal(t, "prefix {{ nope }} suffix", out)
}

func TestRenderStringStrictFailsUnresolved(t *testing.T) {
	r := NewRenderer()

	_, err := r.RenderString("{{ nope.missing }}", testContext(), Strict)
	assert.Error(t, err)
}

func TestRenderStringPipeFilters(t *testing.T) {
	r := NewRenderer()

	out, err := r.RenderString("{{ items | to_json }}", testContext(), Strict)
	require.NoError(t, err)
	assert.Equal(t, `["a","b","c"]`, out)

	out, err = r.RenderString("{{ name | b64encode }}", testContext(), Strict)
	require.NoError(t, err)
	assert.Equal(t, "YW15", out)

	out, err = r.RenderString("{{ empty | default('anon') }}", testContext(), Strict)
	require.NoError(t, err)
	assert.Equal(t, "anon", out)

	out, err = r.RenderString("{{ name | default('anon') }}", testContext(), Strict)
	require.NoError(t, err)
	assert.Equal(t, "amy", out)
}

func TestRewritePipes(t *testing.T) {
	assert.Equal(t, "to_json(x)", rewritePipes("x | to_json"))
	assert.Equal(t, "default(x, 1)", rewritePipes("x | default(1)"))
	assert.Equal(t, "b64encode(to_json(x))", rewritePipes("x | to_json | b64encode"))
	// logical or is not a pipe
	assert.Equal(t, "a || b", rewritePipes("a || b"))
	// pipes inside quotes stay untouched
	assert.Equal(t, "'a|b'", rewritePipes("'a|b'"))
}

func TestRenderValueRecursive(t *testing.T) {
	r := NewRenderer()

	in := map[string]interface{}{
		"greeting": "hi {{ name }}",
		"nested": map[string]interface{}{
			"count": "{{ count }}",
		},
		"list":   []interface{}{"{{ name }}", 42},
		"scalar": 7,
	}

	out, err := r.RenderValue(in, testContext(), Lenient)
	require.NoError(t, err)

	m := out.(map[string]interface{})
	assert.Equal(t, "hi amy", m["greeting"])
	assert.EqualValues(t, 3, m["nested"].(map[string]interface{})["count"])
	assert.Equal(t, "amy", m["list"].([]interface{})[0])
	assert.Equal(t, 42, m["list"].([]interface{})[1])
	assert.Equal(t, 7, m["scalar"])
}

func TestEvalBool(t *testing.T) {
	r := NewRenderer()
	ctx := testContext()

	ok, err := r.EvalBool("", ctx, Lenient)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.EvalBool("{{ count > 2 }}", ctx, Lenient)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.EvalBool("{{ count > 5 }}", ctx, Lenient)
	require.NoError(t, err)
	assert.False(t, ok)

	// raw expressions without braces evaluate too
	ok, err = r.EvalBool("count == 3", ctx, Lenient)
	require.NoError(t, err)
	assert.True(t, ok)

	// unresolved guards do not fire in lenient mode
	ok, err = r.EvalBool("{{ nope.missing }}", ctx, Lenient)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.EvalBool("{{ nope.missing }}", ctx, Strict)
	assert.Error(t, err)
}

func TestProgramCacheReuse(t *testing.T) {
	r := NewRenderer()
	ctx := testContext()

	_, err := r.RenderString("{{ count + 1 }}", ctx, Lenient)
	require.NoError(t, err)
	cached := len(r.cache)

	_, err = r.RenderString("{{ count + 1 }}", ctx, Lenient)
	require.NoError(t, err)
	assert.Equal(t, cached, len(r.cache))

	// a different variable set compiles a fresh program
	_, err = r.RenderString("{{ count + 1 }}", map[string]interface{}{"count": 1}, Lenient)
	require.NoError(t, err)
	assert.Equal(t, cached+1, len(r.cache))
}
