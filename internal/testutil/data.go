package testutil

import "math/rand"

// RandomBytes returns n bytes from a generator seeded with seed.
func RandomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}
