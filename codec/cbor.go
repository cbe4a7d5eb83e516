package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is configured with Core Deterministic Encoding: sorted map
// keys, smallest integer encoding, no indefinite-length items. The same
// logical record always produces identical bytes, which keeps envelope
// identities and persisted records stable.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for forward
// compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Identity, SecretID and friends implement encoding.TextMarshaler;
	// serialize them as CBOR text strings instead of empty maps.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}
