// Package codec provides the (de)serialization contract enforced at the
// shared-store boundary. A Codec turns values of type V into the payload
// bytes carried inside a wire frame and back.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
