package transport

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Payloads and whole messages are encoded with CBOR core deterministic
// encoding so identical messages produce identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeMessage encodes a whole message for a byte-oriented bus.
func EncodeMessage(m Message) ([]byte, error) {
	return Marshal(m)
}

// DecodeMessage decodes the output of EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := Unmarshal(data, &m)
	return m, err
}
