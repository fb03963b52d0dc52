package vertex

import (
	"github.com/fxamacker/cbor/v2"
)

// canonical CBOR modes shared by digests, signing and the wire format.
// Core deterministic encoding keeps digests stable across nodes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal serializes v into canonical CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal deserializes canonical CBOR into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
