package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func TestBlake2bDerive(t *testing.T) {
	d := Blake2b{}

	// Published identifiers for the reference flipper entry points.
	assert.Equal(t, "0x633aa551", d.Derive("flip").String())
	assert.Equal(t, "0x2f865bd9", d.Derive("get").String())

	// The rule is exactly "first 4 bytes of blake2b-256 of the name".
	for _, name := range []string{"flip", "get", "call_delegate_flip", ""} {
		sum := blake2b.Sum256([]byte(name))
		assert.Equal(t, sum[:Size], d.Derive(name).Bytes(), "name %q", name)
	}
}

func TestDeriveStable(t *testing.T) {
	d := Blake2b{}
	assert.Equal(t, d.Derive("flip"), d.Derive("flip"))
	assert.NotEqual(t, d.Derive("flip"), d.Derive("flop"))
}

func TestFromBytes(t *testing.T) {
	want := Blake2b{}.Derive("flip")

	got, err := FromBytes(want.Bytes())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = FromBytes([]byte{1, 2, 3})
	require.Error(t, err)

	_, err = FromBytes(nil)
	require.Error(t, err)
}
