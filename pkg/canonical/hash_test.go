package canonical

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	// sha256 of the empty string
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(nil))

	h := Hash([]byte(`{"a":2,"z":1}`))
	assert.Len(t, h, 64)
	assert.Equal(t, strings.ToLower(h), h)
	assert.True(t, IsHash(h))
}

func TestVerify(t *testing.T) {
	v := MustFromAny(map[string]any{"z": 1, "a": 2})
	h := HashValue(v)

	assert.True(t, Verify(v, h))
	assert.True(t, Verify(v, strings.ToUpper(h)))
	assert.False(t, Verify(v.With("z", Int(5)), h))
	assert.False(t, Verify(v, "not-a-hash"))
	assert.False(t, Verify(v, ""))
}

func TestReorderedPayloadScenario(t *testing.T) {
	p1, err := Parse([]byte(`{"z":1,"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"z":1}`, string(Canonicalize(p1)))
	h1 := HashValue(p1)
	assert.Equal(t, Hash([]byte(`{"a":2,"z":1}`)), h1)

	p2, err := Parse([]byte(`{"a":2,"z":5}`))
	require.NoError(t, err)
	h2 := HashValue(p2)
	assert.NotEqual(t, h1, h2)
}

func TestIsHash(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{strings.Repeat("a", 64), true},
		{strings.Repeat("A", 64), true},
		{strings.Repeat("a", 63), false},
		{strings.Repeat("g", 64), false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsHash(tt.in), tt.in)
	}
}
