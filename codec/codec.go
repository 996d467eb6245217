package codec

import (
	"fmt"
	"strings"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName resolves a codec from its configuration name.
// Recognized: "json" (also ""), "cbor", "msgpack", "proto".
func ByName[V any](name string) (Codec[V], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON[V]{}, nil
	case "cbor":
		return NewCBOR[V](true)
	case "msgpack":
		return Msgpack[V]{}, nil
	case "proto", "protobuf":
		return Proto[V]{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
