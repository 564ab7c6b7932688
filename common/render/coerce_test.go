package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoerce(t *testing.T) {
	assert.Equal(t, true, Coerce("True"))
	assert.Equal(t, false, Coerce("False"))
	assert.Nil(t, Coerce("None"))
	assert.Nil(t, Coerce("null"))

	assert.Equal(t, float64(42), Coerce("42"))
	assert.Equal(t, []interface{}{float64(1), float64(2)}, Coerce("[1, 2]"))
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, Coerce(`{"a": 1}`))

	// Python-literal spelling with single quotes
	assert.Equal(t, []interface{}{"x", "y"}, Coerce("['x', 'y']"))

	assert.Equal(t, "plain text", Coerce("plain text"))
	assert.Equal(t, 7, Coerce(7))
}

func TestCoerceList(t *testing.T) {
	assert.Equal(t, []interface{}{}, CoerceList(nil))
	assert.Equal(t, []interface{}{"a", "b"}, CoerceList([]interface{}{"a", "b"}))
	assert.Equal(t, []interface{}{float64(1), float64(2)}, CoerceList("[1, 2]"))
	assert.Equal(t, []interface{}{"solo"}, CoerceList("solo"))
	assert.Equal(t, []interface{}{7}, CoerceList(7))
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy("None"))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy([]interface{}{}))
	assert.False(t, Truthy(map[string]interface{}{}))

	assert.True(t, Truthy(true))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy([]interface{}{1}))
	assert.True(t, Truthy(map[string]interface{}{"k": 1}))
}
