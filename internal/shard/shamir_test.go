package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCombineRoundTrip(t *testing.T) {
	secret := []byte("the vault combination is 32-17-9")

	shares, err := Split(secret, 3, 5)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	for i, s := range shares {
		assert.Equal(t, uint8(i+1), s.Index)
		assert.Len(t, s.Value, len(secret))
	}

	got, err := Combine(shares[:3])
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestAnyThresholdSubsetReconstructs(t *testing.T) {
	secret := []byte("k-of-n means any k")

	shares, err := Split(secret, 2, 4)
	require.NoError(t, err)

	subsets := [][]Share{
		{shares[0], shares[1]},
		{shares[0], shares[3]},
		{shares[2], shares[1]},
		{shares[3], shares[2]},
	}
	for _, subset := range subsets {
		got, err := Combine(subset)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	}
}

func TestSplitIsRandomized(t *testing.T) {
	secret := []byte("same secret, fresh polynomial")

	a, err := Split(secret, 2, 3)
	require.NoError(t, err)
	b, err := Split(secret, 2, 3)
	require.NoError(t, err)

	// Astronomically unlikely to collide across all shares.
	same := true
	for i := range a {
		if string(a[i].Value) != string(b[i].Value) {
			same = false
		}
	}
	assert.False(t, same, "two splits produced identical shares")
}

func TestSplitValidation(t *testing.T) {
	tests := []struct {
		name   string
		secret []byte
		k, n   int
	}{
		{"empty secret", nil, 2, 3},
		{"threshold below 2", []byte("s"), 1, 3},
		{"fewer shares than threshold", []byte("s"), 3, 2},
		{"share count over field capacity", []byte("s"), 2, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(tt.secret, tt.k, tt.n)
			assert.Error(t, err)
		})
	}
}

func TestCombineValidation(t *testing.T) {
	shares, err := Split([]byte("secret"), 2, 3)
	require.NoError(t, err)

	t.Run("too few shares", func(t *testing.T) {
		_, err := Combine(shares[:1])
		assert.Error(t, err)
	})

	t.Run("duplicate index", func(t *testing.T) {
		_, err := Combine([]Share{shares[0], shares[0]})
		assert.ErrorContains(t, err, "duplicate share index")
	})

	t.Run("zero index reserved", func(t *testing.T) {
		bad := Share{Index: 0, Value: make([]byte, 6)}
		_, err := Combine([]Share{shares[0], bad})
		assert.ErrorContains(t, err, "index 0 is reserved")
	})

	t.Run("length mismatch", func(t *testing.T) {
		bad := Share{Index: 9, Value: []byte{0x01}}
		_, err := Combine([]Share{shares[0], bad})
		assert.ErrorContains(t, err, "length mismatch")
	})
}

func TestCombineWithExtraSharesStillExact(t *testing.T) {
	// Interpolating over more than k points of a degree k-1 polynomial
	// still lands on the same constant term.
	secret := []byte{0x00, 0xFF, 0x42}

	shares, err := Split(secret, 2, 5)
	require.NoError(t, err)

	got, err := Combine(shares)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestGFMulProperties(t *testing.T) {
	assert.Equal(t, byte(0), gfMul(0, 0x57))
	assert.Equal(t, byte(0x57), gfMul(1, 0x57))
	// Worked example from FIPS 197: 0x57 * 0x83 = 0xC1.
	assert.Equal(t, byte(0xC1), gfMul(0x57, 0x83))
	assert.Equal(t, gfMul(0xC3, 0x3A), gfMul(0x3A, 0xC3))
}

func TestGFInvIsMultiplicativeInverse(t *testing.T) {
	for a := 1; a < 256; a++ {
		assert.Equal(t, byte(1), gfMul(byte(a), gfInv(byte(a))), "a=%#x", a)
	}
}
