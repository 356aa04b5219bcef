// Package codec provides the pluggable payload serializer used by the
// Event Store and Mutable State Store. The default is JSON; binary
// codecs must still leave event_id/event_type readable as native
// columns, which the stores guarantee by persisting them separately.
package codec

import "encoding/json"

type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// JSONSerializer is the default codec.
type JSONSerializer struct{}

func NewJSON() JSONSerializer { return JSONSerializer{} }

func (JSONSerializer) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONSerializer) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONSerializer) Name() string { return "json" }
