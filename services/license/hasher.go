package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var ErrPepperMissing = errors.New("license pepper is not configured")

const hasherInfo = "clickbloom-license/key-hash/v1"

// Hasher turns a plaintext key into the value stored and looked up in the
// Store. It is deterministic for a fixed pepper and irreversible.
type Hasher struct {
	key []byte
}

func NewHasher(pepper string) (*Hasher, error) {
	if strings.TrimSpace(pepper) == "" {
		return nil, ErrPepperMissing
	}

	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, []byte(pepper), nil, []byte(hasherInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive hash key: %w", err)
	}

	return &Hasher{key: key}, nil
}

// Hash returns the hex HMAC-SHA256 of the canonical key. Surrounding
// whitespace and letter case are not significant.
func (h *Hasher) Hash(plaintext string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(CanonicalKey(plaintext)))
	return hex.EncodeToString(mac.Sum(nil))
}

func CanonicalKey(plaintext string) string {
	return strings.ToUpper(strings.TrimSpace(plaintext))
}
