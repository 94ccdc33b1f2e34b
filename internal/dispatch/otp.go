package dispatch

import "crypto/rand"

// newCode returns n random decimal digits. The two ride codes are generated
// independently; collisions between them are acceptable.
func newCode(n int) string {
	if n <= 0 {
		n = 4
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = '0' + b[i]%10
	}
	return string(b)
}
