package codec

import (
	"testing"

	"github.com/calypsokit/calydb/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeNilStructure(t *testing.T) {
	data, err := EncodeStructure(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	s, err := DecodeStructure(nil)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestEncodeIsCanonical(t *testing.T) {
	s := &types.Structure{
		Species:   []string{"Li", "Li", "O"},
		Cell:      [3][3]float64{{4, 0, 0}, {0, 4, 0}, {0, 0, 4}},
		Positions: [][3]float64{{0, 0, 0}, {2, 2, 2}, {1, 1, 1}},
	}

	first, err := EncodeStructure(s)
	require.NoError(t, err)
	second, err := EncodeStructure(s)
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical structures must encode to identical blobs")

	decoded, err := DecodeStructure(first)
	require.NoError(t, err)
	assert.Equal(t, s.Species, decoded.Species)
	assert.Equal(t, s.Cell, decoded.Cell)
	assert.InDeltaSlice(t, []float64{2, 2, 2}, decoded.Positions[1][:], 1e-12)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeStructure([]byte{0xff, 0x00, 0x13})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode structure")
	assert.ErrorIs(t, err, types.ErrMalformedGeometry)
}
