// ABOUTME: Content-format transcoding between CoAP payloads and canonical JSON
// ABOUTME: CBOR requests are converted to JSON for the processor and responses back to CBOR

package coap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/plgd-dev/go-coap/v3/message"
)

var (
	cborDecode cbor.DecMode
	cborEncode cbor.EncMode
)

func init() {
	var err error
	cborDecode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("coap: cbor decode options: %v", err))
	}
	cborEncode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("coap: cbor encode options: %v", err))
	}
}

// supported reports whether format can be exchanged with agents.
func supported(format message.MediaType) bool {
	return format == message.AppJSON || format == message.AppCBOR
}

// toJSON converts a request payload in format to canonical JSON.
func toJSON(format message.MediaType, payload []byte) ([]byte, error) {
	if format != message.AppCBOR || len(payload) == 0 {
		return payload, nil
	}

	var v any
	if err := cborDecode.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decoding cbor: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transcoding cbor to json: %w", err)
	}
	return out, nil
}

// fromJSON converts a canonical JSON response to format.
func fromJSON(format message.MediaType, payload []byte) ([]byte, error) {
	if format != message.AppCBOR {
		return payload, nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	out, err := cborEncode.Marshal(normalizeNumbers(v))
	if err != nil {
		return nil, fmt.Errorf("encoding cbor: %w", err)
	}
	return out, nil
}

// normalizeNumbers turns json.Number into int64 or float64 so CBOR gets numeric types.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}
