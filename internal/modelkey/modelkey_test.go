package modelkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyOrWhitespace(t *testing.T) {
	cases := []struct{ name, version string }{
		{"", "v1"},
		{"iris", ""},
		{"iris classifier", "v1"},
		{"iris", "v\t1"},
	}
	for _, c := range cases {
		_, err := New(c.name, c.version)
		assert.ErrorIs(t, err, ErrInvalidKey)
	}
}

func TestNewRejectsSlash(t *testing.T) {
	// A '/' in either field would corrupt the HTTP handler's
	// /models/{name}/versions/{version}/predict path split.
	cases := []struct{ name, version string }{
		{"iris/classifier", "v1"},
		{"iris", "v1/beta"},
	}
	for _, c := range cases {
		_, err := New(c.name, c.version)
		assert.ErrorIs(t, err, ErrInvalidKey)
	}
}

func TestNewAndString(t *testing.T) {
	k, err := New("iris-classifier", "v3")
	require.NoError(t, err)
	assert.Equal(t, "iris-classifier:v3", k.String())
}

func TestKeyUsableAsMapKey(t *testing.T) {
	a, _ := New("m", "v1")
	b, _ := New("m", "v1")
	m := map[Key]int{a: 1}
	assert.Equal(t, 1, m[b])
}
