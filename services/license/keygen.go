package license

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

const (
	// Crockford-style alphabet without the easily confused I, O, 0 and 1.
	keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	keyGroups   = 5
	keyGroupLen = 5

	DefaultKeyPrefix = "CB"
)

// KeyGenerator produces keys of the form PREFIX-XXXXX-XXXXX-XXXXX-XXXXX-XXXXX.
// Each character carries 5 bits, 125 bits per key.
type KeyGenerator struct {
	rand   io.Reader
	prefix string
}

// NewKeyGenerator returns a generator drawing from crypto/rand. An empty
// prefix falls back to DefaultKeyPrefix.
func NewKeyGenerator(prefix string) (*KeyGenerator, error) {
	return NewKeyGeneratorWithReader(prefix, rand.Reader)
}

func NewKeyGeneratorWithReader(prefix string, r io.Reader) (*KeyGenerator, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	for _, c := range prefix {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return nil, fmt.Errorf("key prefix %q must be alphanumeric", prefix)
		}
	}
	if r == nil {
		return nil, fmt.Errorf("key generator needs a random source")
	}
	return &KeyGenerator{rand: r, prefix: prefix}, nil
}

func (g *KeyGenerator) Prefix() string {
	return g.prefix
}

// Generate returns a fresh key. It fails only if the random source does.
func (g *KeyGenerator) Generate() (string, error) {
	buf := make([]byte, keyGroups*keyGroupLen)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	var sb strings.Builder
	sb.Grow(len(g.prefix) + keyGroups*(keyGroupLen+1))
	sb.WriteString(g.prefix)
	for i, b := range buf {
		if i%keyGroupLen == 0 {
			sb.WriteByte('-')
		}
		// 256 is a multiple of 32 so the low five bits are uniform.
		sb.WriteByte(keyAlphabet[b&31])
	}
	return sb.String(), nil
}
