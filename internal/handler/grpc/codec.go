// Package grpc is the optional gRPC stream transport for a branch
// session, kept alongside ws as the teacher keeps both ws and grpc
// handler packages wired to the same Deliverer. This system has no
// protobuf schema of its own — every message is already framed by
// internal/protocol's own wire codec — so the stream carries opaque
// bytes through a custom grpc/encoding.Codec rather than generated
// message types, the same "pass raw bytes through gRPC's stream framing"
// technique grpc-go's own proxying examples use.
package grpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "syncmesh-raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// rawCodec treats every message as an already-framed []byte, letting
// internal/protocol own the actual wire format end to end.
type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("grpc: rawCodec.Marshal: want []byte, got %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	ptr, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpc: rawCodec.Unmarshal: want *[]byte, got %T", v)
	}
	*ptr = append([]byte(nil), data...)
	return nil
}
