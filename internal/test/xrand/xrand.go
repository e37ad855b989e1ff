// Package xrand generates random test data.
package xrand

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Bytes returns n random bytes.
func Bytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		panic(fmt.Sprintf("failed to generate rand bytes: %v", err))
	}
	return b
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 .,!?"

// String returns a random printable ASCII string of length n,
// suitable as a text message payload.
func String(n int) string {
	b := Bytes(n)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

// MaskKey returns a random masking key.
func MaskKey() [4]byte {
	var k [4]byte
	copy(k[:], Bytes(len(k)))
	return k
}

// Int returns a random integer in [0, max).
func Int(max int) int {
	x, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(fmt.Sprintf("failed to generate rand int: %v", err))
	}
	return int(x.Int64())
}
