package storage

import (
	"github.com/fxamacker/cbor/v2"
)

// Documents are stored as CBOR. Times keep nanosecond precision so that a
// record read back equals the record written.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
		Sort: cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the engine's document encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a document produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
