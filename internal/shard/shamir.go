// Package shard collects threshold secret shares for a recovery
// attempt and reconstructs the subject's recovery secret once enough
// distinct shares arrive.
//
// Shares use Shamir's scheme over GF(256) with the AES reduction
// polynomial 0x11B: every byte of the secret is split independently,
// and a share's x coordinate is its share index (1..255). Any k of n
// valid shares reconstruct the identical secret; fewer reveal nothing.
package shard

import (
	"crypto/rand"
	"fmt"
)

// Share is one point of the split secret. Index is the x coordinate;
// Value holds one y byte per secret byte.
type Share struct {
	Index uint8
	Value []byte
}

// Split splits secret into n shares with reconstruction threshold k.
// Coefficients are drawn from crypto/rand, so calling Split twice on
// the same secret yields different shares that reconstruct the same
// secret.
func Split(secret []byte, k, n int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("shamir: empty secret")
	}
	if k < 2 {
		return nil, fmt.Errorf("shamir: threshold %d below minimum 2", k)
	}
	if n < k {
		return nil, fmt.Errorf("shamir: share count %d below threshold %d", n, k)
	}
	if n > 255 {
		return nil, fmt.Errorf("shamir: share count %d exceeds field capacity 255", n)
	}

	shares := make([]Share, n)
	for i := range shares {
		shares[i] = Share{Index: uint8(i + 1), Value: make([]byte, len(secret))}
	}

	coeffs := make([]byte, k-1)
	for byteIdx, s := range secret {
		if _, err := rand.Read(coeffs); err != nil {
			return nil, fmt.Errorf("shamir: read randomness: %w", err)
		}
		for i := range shares {
			shares[i].Value[byteIdx] = evalPoly(s, coeffs, shares[i].Index)
		}
	}
	return shares, nil
}

// Combine reconstructs the secret from exactly the given shares using
// Lagrange interpolation at x = 0. All shares must have distinct
// indexes and equal length.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) < 2 {
		return nil, fmt.Errorf("shamir: need at least 2 shares, got %d", len(shares))
	}
	length := len(shares[0].Value)
	seen := make(map[uint8]bool, len(shares))
	for _, s := range shares {
		if s.Index == 0 {
			return nil, fmt.Errorf("shamir: share index 0 is reserved")
		}
		if seen[s.Index] {
			return nil, fmt.Errorf("shamir: duplicate share index %d", s.Index)
		}
		seen[s.Index] = true
		if len(s.Value) != length {
			return nil, fmt.Errorf("shamir: share length mismatch: %d vs %d", len(s.Value), length)
		}
	}

	secret := make([]byte, length)
	for byteIdx := range secret {
		var acc byte
		for i, si := range shares {
			// Lagrange basis for share i evaluated at x = 0.
			num, den := byte(1), byte(1)
			for j, sj := range shares {
				if i == j {
					continue
				}
				num = gfMul(num, sj.Index)
				den = gfMul(den, si.Index^sj.Index)
			}
			term := gfMul(si.Value[byteIdx], gfMul(num, gfInv(den)))
			acc ^= term
		}
		secret[byteIdx] = acc
	}
	return secret, nil
}

// evalPoly evaluates secret + c1*x + c2*x^2 + ... at x via Horner.
func evalPoly(secret byte, coeffs []byte, x uint8) byte {
	acc := byte(0)
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = gfMul(acc, x) ^ coeffs[i]
	}
	return gfMul(acc, x) ^ secret
}

// gfMul multiplies in GF(256) with the AES polynomial 0x11B.
func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1B
		}
		b >>= 1
	}
	return p
}

// gfInv computes the multiplicative inverse via exponentiation:
// a^254 == a^-1 in GF(256). gfInv(0) is 0; callers must not divide
// by zero (distinct share indexes guarantee nonzero denominators).
func gfInv(a byte) byte {
	inv := byte(1)
	for i := 0; i < 254; i++ {
		inv = gfMul(inv, a)
	}
	return inv
}
