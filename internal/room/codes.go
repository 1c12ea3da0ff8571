package room

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// codeAlphabet omits ambiguous characters (0/O, 1/I/L) since codes are read
// aloud and typed from a screen.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func generateCode(length int) string {
	if length < 4 {
		length = 4
	}
	if length > 6 {
		length = 6
	}
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken;
			// fall back to a fixed index rather than panic.
			n = big.NewInt(int64(i % len(codeAlphabet)))
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String()
}

// NormalizeCode canonicalizes a room code at every boundary: codes are
// case-insensitive and stored uppercase.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
