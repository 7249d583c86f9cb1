package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype for envelopes.
const CodecName = "sharelift-envelope"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec lets gRPC carry *Envelope values. It does not check the protocol
// version, so that the receiving side can answer a mismatch with a proper
// status instead of a decoding failure.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	e, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	return e.Marshal(), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	e, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	return e.decode(data)
}
