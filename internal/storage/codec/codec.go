// Package codec encodes structure geometry into the binary blobs stored next
// to each raw record. Geometry is only decoded when the structure matcher
// needs it, so the blob stays out of every projection query.
package codec

import (
	"fmt"

	"github.com/calypsokit/calydb/internal/types"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: invalid cbor encoding options: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 22,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: invalid cbor decoding options: %v", err))
	}
}

// EncodeStructure encodes a structure. A nil structure encodes to a nil blob.
func EncodeStructure(s *types.Structure) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode structure: %w", err)
	}
	return data, nil
}

// DecodeStructure decodes a blob written by EncodeStructure.
// An empty blob decodes to nil.
func DecodeStructure(data []byte) (*types.Structure, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s types.Structure
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode structure: %w: %w", types.ErrMalformedGeometry, err)
	}
	return &s, nil
}
