// Package grpc hand-declares a gRPC service around the Delivery Service's
// JSON wire surface (§6: request/response style, JSON bodies, versioned
// routes). No .proto sources are generated here; rather than fabricate a
// protoc-generated stub, this package registers a small JSON codec and a
// hand-written grpc.ServiceDesc — both standard, supported extension
// points of google.golang.org/grpc.
package grpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec. It is registered under the name
// "json" and selected per-call via the "grpc+json" content-subtype the
// client dials with.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(json.Marshaler); ok {
		return m.MarshalJSON()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpc json codec: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpc json codec: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
