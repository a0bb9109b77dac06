package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec uses encoding/json. Numbers decoded into interface values keep
// their textual form (json.Number) so integers wider than 53 bits survive.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
