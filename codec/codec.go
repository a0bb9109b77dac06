// Package codec serializes call parameters and results.
//
// The frame bodies are always JSON, so every codec must produce valid JSON values:
// each parameter and the result are embedded verbatim as json.RawMessage.
package codec

import (
	"encoding/json"
	"fmt"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, falling back to JSON.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	}
	return &JSONCodec{}
}

// EncodeArgs serializes each argument separately, as expected in Request.Parameters.
func EncodeArgs(c Codec, args []any) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := c.Encode(arg)
		if err != nil {
			return nil, fmt.Errorf("encode parameter %d: %w", i, err)
		}
		params[i] = data
	}
	return params, nil
}
