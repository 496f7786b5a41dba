// Package codec holds the CBOR configuration shared by every QAuth wire
// structure. Encoding is Core Deterministic (RFC 8949 §4.2): sorted map
// keys, shortest integer forms, definite lengths. The same logical value
// always produces the same bytes, which is what lets the issuer and the
// validator agree on a signing input.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// any-typed targets decode maps as map[string]any, never
		// map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Duplicate keys would let two decoders disagree about a signed
		// payload.
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  32,
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a single CBOR item into v. Trailing bytes are an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
