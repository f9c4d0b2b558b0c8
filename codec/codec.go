// Package codec encodes replicated state for the journal and the wire.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"crdtkit/common"
)

// Format names an encoding.
type Format string

const (
	// FormatGob is the compact binary encoding used by default.
	FormatGob Format = "gob"
	// FormatJSON is a text encoding, handy for inspection and cross-language peers.
	FormatJSON Format = "json"
)

// Codec encodes and decodes values.
type Codec interface {
	// Encode serializes v.
	Encode(v any) ([]byte, error)
	// Decode deserializes data into v, which must be a pointer.
	Decode(data []byte, v any) error
	// Format returns the name of the encoding.
	Format() Format
}

// GobCodec implements Codec with encoding/gob.
type GobCodec struct{}

// Encode implements Codec.
func (GobCodec) Encode(v any) ([]byte, error) {
	data, err := GobMarshal(v)
	if err != nil {
		return nil, common.ErrSerialization{Op: "gob encode", Err: err}
	}
	return data, nil
}

// Decode implements Codec.
func (GobCodec) Decode(data []byte, v any) error {
	if err := GobUnmarshal(data, v); err != nil {
		return common.ErrSerialization{Op: "gob decode", Err: err}
	}
	return nil
}

// Format implements Codec.
func (GobCodec) Format() Format { return FormatGob }

// JSONCodec implements Codec with encoding/json.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, common.ErrSerialization{Op: "json encode", Err: err}
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return common.ErrSerialization{Op: "json decode", Err: err}
	}
	return nil
}

// Format implements Codec.
func (JSONCodec) Format() Format { return FormatJSON }

// Get returns the Codec for format. An empty format selects gob.
func Get(format Format) (Codec, error) {
	switch format {
	case "", FormatGob:
		return GobCodec{}, nil
	case FormatJSON:
		return JSONCodec{}, nil
	default:
		return nil, common.ErrInvalidEncoding{Format: string(format)}
	}
}

// GobMarshal encodes v with a fresh gob encoder.
func GobMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobUnmarshal decodes data produced by GobMarshal into v.
func GobUnmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
