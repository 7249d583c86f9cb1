// Package wire defines the messages nodes exchange and their encoding. The
// encoding is protobuf wire format written by hand with protowire; unknown
// fields are skipped so newer peers can add fields without breaking older
// ones, and every envelope carries a protocol version that is checked on
// decode.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtocolVersion is bumped on incompatible changes.
const ProtocolVersion uint32 = 1

var (
	ErrVersionMismatch = errors.New("protocol version mismatch")
	ErrMalformed       = errors.New("malformed message")
)

// Type identifies a message.
type Type uint32

const (
	TypeUnknown Type = iota
	TypeHeartbeat
	TypeJoin
	TypeLeave
	TypePassComplete
	TypeAck
	TypeStatus
)

func (t Type) String() string {
	switch t {
	case TypeHeartbeat:
		return "heartbeat"
	case TypeJoin:
		return "join"
	case TypeLeave:
		return "leave"
	case TypePassComplete:
		return "pass_complete"
	case TypeAck:
		return "ack"
	case TypeStatus:
		return "status"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// MemberRecord is one node of a gossiped view. Heartbeat is the counter the
// node itself increments; it only grows while the node is alive.
type MemberRecord struct {
	ID        string
	State     uint32
	Heartbeat uint64
}

// Envelope carries every message. Heartbeats and acks fill Epoch, Digest
// and Members; Pass is the last pass the sender completed. Join and Leave
// only need From.
type Envelope struct {
	Version uint32
	Type    Type
	From    string
	Epoch   uint64
	Digest  uint64
	Pass    uint64
	Members []MemberRecord
}

const (
	fieldVersion protowire.Number = 1
	fieldType    protowire.Number = 2
	fieldFrom    protowire.Number = 3
	fieldEpoch   protowire.Number = 4
	fieldDigest  protowire.Number = 5
	fieldPass    protowire.Number = 6
	fieldMember  protowire.Number = 7

	fieldMemberID        protowire.Number = 1
	fieldMemberState     protowire.Number = 2
	fieldMemberHeartbeat protowire.Number = 3
)

// Marshal encodes e. A zero Version is written as ProtocolVersion.
func (e *Envelope) Marshal() []byte {
	v := e.Version
	if v == 0 {
		v = ProtocolVersion
	}
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	if e.From != "" {
		b = protowire.AppendTag(b, fieldFrom, protowire.BytesType)
		b = protowire.AppendString(b, e.From)
	}
	if e.Epoch != 0 {
		b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Epoch)
	}
	if e.Digest != 0 {
		b = protowire.AppendTag(b, fieldDigest, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, e.Digest)
	}
	if e.Pass != 0 {
		b = protowire.AppendTag(b, fieldPass, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Pass)
	}
	for _, m := range e.Members {
		var mb []byte
		mb = protowire.AppendTag(mb, fieldMemberID, protowire.BytesType)
		mb = protowire.AppendString(mb, m.ID)
		mb = protowire.AppendTag(mb, fieldMemberState, protowire.VarintType)
		mb = protowire.AppendVarint(mb, uint64(m.State))
		if m.Heartbeat != 0 {
			mb = protowire.AppendTag(mb, fieldMemberHeartbeat, protowire.VarintType)
			mb = protowire.AppendVarint(mb, m.Heartbeat)
		}
		b = protowire.AppendTag(b, fieldMember, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	return b
}

// Unmarshal decodes b into e, rejecting envelopes of another version.
func (e *Envelope) Unmarshal(b []byte) error {
	if err := e.decode(b); err != nil {
		return err
	}
	return e.CheckVersion()
}

// CheckVersion fails with ErrVersionMismatch unless e was written by a peer
// speaking ProtocolVersion.
func (e *Envelope) CheckVersion() error {
	if e.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, e.Version, ProtocolVersion)
	}
	return nil
}

func (e *Envelope) decode(b []byte) error {
	*e = Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: version: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.Version = uint32(v)
			b = b[n:]
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: type: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.Type = Type(v)
			b = b[n:]
		case num == fieldFrom && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: from: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.From = s
			b = b[n:]
		case num == fieldEpoch && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: epoch: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.Epoch = v
			b = b[n:]
		case num == fieldDigest && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("%w: digest: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.Digest = v
			b = b[n:]
		case num == fieldPass && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: pass: %v", ErrMalformed, protowire.ParseError(n))
			}
			e.Pass = v
			b = b[n:]
		case num == fieldMember && typ == protowire.BytesType:
			mb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: member: %v", ErrMalformed, protowire.ParseError(n))
			}
			m, err := unmarshalMember(mb)
			if err != nil {
				return err
			}
			e.Members = append(e.Members, m)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalMember(b []byte) (MemberRecord, error) {
	var m MemberRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: member tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldMemberID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("%w: member id: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.ID = s
			b = b[n:]
		case num == fieldMemberState && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: member state: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.State = uint32(v)
			b = b[n:]
		case num == fieldMemberHeartbeat && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: member heartbeat: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Heartbeat = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: member field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}
