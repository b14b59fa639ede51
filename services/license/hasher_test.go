package license

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasher(t *testing.T) {
	h, err := NewHasher("pepper-one")
	require.NoError(t, err)

	key := "CB-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE"
	sum := h.Hash(key)
	require.Len(t, sum, 64)
	require.Equal(t, sum, h.Hash(key))
	require.NotContains(t, sum, "AAAAA")

	require.Equal(t, sum, h.Hash("  cb-aaaaa-bbbbb-ccccc-ddddd-eeeee\n"))
	require.NotEqual(t, sum, h.Hash("CB-AAAAA-BBBBB-CCCCC-DDDDD-EEEEF"))

	other, err := NewHasher("pepper-two")
	require.NoError(t, err)
	require.NotEqual(t, sum, other.Hash(key))
}

func TestNewHasherRequiresPepper(t *testing.T) {
	_, err := NewHasher("   ")
	require.ErrorIs(t, err, ErrPepperMissing)
}
