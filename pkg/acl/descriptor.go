package acl

import (
	"encoding/binary"
	"fmt"
)

// ACE types with the common header/mask/SID layout.
const (
	AccessAllowed uint8 = 0x00
	AccessDenied  uint8 = 0x01
	SystemAudit   uint8 = 0x02
	SystemAlarm   uint8 = 0x03
)

// ACE flags.
const (
	ObjectInherit    uint8 = 0x01
	ContainerInherit uint8 = 0x02
	NoPropagate      uint8 = 0x04
	InheritOnly      uint8 = 0x08
	Inherited        uint8 = 0x10
)

// Access mask bits used by the rwx mapping.
const (
	FileReadData   uint32 = 0x00000001
	FileWriteData  uint32 = 0x00000002
	FileExecute    uint32 = 0x00000020
	GenericAll     uint32 = 0x10000000
	GenericExecute uint32 = 0x20000000
	GenericWrite   uint32 = 0x40000000
	GenericRead    uint32 = 0x80000000

	FileGenericRead    uint32 = 0x00120089
	FileGenericWrite   uint32 = 0x00120116
	FileGenericExecute uint32 = 0x001200A0
	FullControl        uint32 = 0x001F01FF
)

// Security descriptor control bits.
const (
	seDaclPresent  uint16 = 0x0004
	seSelfRelative uint16 = 0x8000
)

const (
	descriptorRevision = 1
	aclRevision        = 2
	headerSize         = 20
	aclHeaderSize      = 8
)

// ACE is one access control entry. Entries of types this package does not
// interpret keep their encoded body in Raw and are re-emitted verbatim.
type ACE struct {
	Type  uint8
	Flags uint8
	Mask  uint32
	SID   SID
	Raw   []byte
}

// Same reports whether two ACEs grant the same thing to the same trustee.
func (a ACE) Same(b ACE) bool {
	if a.Raw != nil || b.Raw != nil {
		return string(a.Raw) == string(b.Raw) && a.Type == b.Type && a.Flags == b.Flags
	}
	return a.Type == b.Type && a.Flags == b.Flags && a.Mask == b.Mask && a.SID == b.SID
}

func (a ACE) String() string {
	kind := "ALLOWED"
	if a.Type == AccessDenied {
		kind = "DENIED"
	}
	return fmt.Sprintf("ACL:%s:%s/%d/0x%08x", a.SID, kind, a.Flags, a.Mask)
}

// SecurityDescriptor is a decoded self-relative NT security descriptor. The
// SACL is not carried.
type SecurityDescriptor struct {
	Revision uint8
	Control  uint16
	Owner    SID
	Group    SID
	DACL     []ACE
	HasDACL  bool
}

// DecodeDescriptor parses a self-relative security descriptor as returned by
// the system.cifs_acl xattr or an SMB QUERY_INFO security call.
func DecodeDescriptor(b []byte) (*SecurityDescriptor, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: descriptor is %d bytes", ErrMalformedAcl, len(b))
	}
	if b[0] != descriptorRevision {
		return nil, fmt.Errorf("%w: revision %d", ErrUnsupportedAclRevision, b[0])
	}

	sd := &SecurityDescriptor{
		Revision: b[0],
		Control:  binary.LittleEndian.Uint16(b[2:]),
	}
	offOwner := binary.LittleEndian.Uint32(b[4:])
	offGroup := binary.LittleEndian.Uint32(b[8:])
	offDacl := binary.LittleEndian.Uint32(b[16:])

	var err error
	if offOwner != 0 {
		if sd.Owner, err = sidAt(b, offOwner); err != nil {
			return nil, err
		}
	}
	if offGroup != 0 {
		if sd.Group, err = sidAt(b, offGroup); err != nil {
			return nil, err
		}
	}
	if sd.Control&seDaclPresent != 0 && offDacl != 0 {
		if sd.DACL, err = decodeACL(b, offDacl); err != nil {
			return nil, err
		}
		sd.HasDACL = true
	}
	return sd, nil
}

func sidAt(b []byte, off uint32) (SID, error) {
	if int(off) >= len(b) {
		return "", fmt.Errorf("%w: sid offset %d out of range", ErrMalformedAcl, off)
	}
	s, _, err := unmarshalSID(b[off:])
	return s, err
}

func decodeACL(b []byte, off uint32) ([]ACE, error) {
	if int(off)+aclHeaderSize > len(b) {
		return nil, fmt.Errorf("%w: dacl offset %d out of range", ErrMalformedAcl, off)
	}
	hdr := b[off:]
	size := int(binary.LittleEndian.Uint16(hdr[2:]))
	count := int(binary.LittleEndian.Uint16(hdr[4:]))
	if size < aclHeaderSize || int(off)+size > len(b) {
		return nil, fmt.Errorf("%w: dacl size %d", ErrMalformedAcl, size)
	}

	body := hdr[aclHeaderSize:size]
	aces := make([]ACE, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: ace %d truncated", ErrMalformedAcl, i)
		}
		aceSize := int(binary.LittleEndian.Uint16(body[2:]))
		if aceSize < 4 || aceSize > len(body) {
			return nil, fmt.Errorf("%w: ace %d size %d", ErrMalformedAcl, i, aceSize)
		}

		ace := ACE{Type: body[0], Flags: body[1]}
		if ace.Type <= SystemAlarm {
			if aceSize < 8 {
				return nil, fmt.Errorf("%w: ace %d size %d", ErrMalformedAcl, i, aceSize)
			}
			ace.Mask = binary.LittleEndian.Uint32(body[4:])
			sid, _, err := unmarshalSID(body[8:aceSize])
			if err != nil {
				return nil, fmt.Errorf("ace %d: %w", i, err)
			}
			ace.SID = sid
		} else {
			ace.Raw = append([]byte(nil), body[4:aceSize]...)
		}
		aces = append(aces, ace)
		body = body[aceSize:]
	}
	return aces, nil
}

// Encode produces the self-relative binary form: header, owner, group, DACL.
func (sd *SecurityDescriptor) Encode() ([]byte, error) {
	out := make([]byte, headerSize)
	out[0] = descriptorRevision
	control := sd.Control | seSelfRelative
	if sd.HasDACL {
		control |= seDaclPresent
	} else {
		control &^= seDaclPresent
	}
	binary.LittleEndian.PutUint16(out[2:], control)

	var err error
	if sd.Owner != "" {
		binary.LittleEndian.PutUint32(out[4:], uint32(len(out)))
		if out, err = marshalSID(out, sd.Owner); err != nil {
			return nil, err
		}
	}
	if sd.Group != "" {
		binary.LittleEndian.PutUint32(out[8:], uint32(len(out)))
		if out, err = marshalSID(out, sd.Group); err != nil {
			return nil, err
		}
	}
	if sd.HasDACL {
		binary.LittleEndian.PutUint32(out[16:], uint32(len(out)))
		if out, err = encodeACL(out, sd.DACL); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeACL(dst []byte, aces []ACE) ([]byte, error) {
	start := len(dst)
	dst = append(dst, aclRevision, 0, 0, 0, 0, 0, 0, 0)
	for i, ace := range aces {
		aceStart := len(dst)
		dst = append(dst, ace.Type, ace.Flags, 0, 0)
		if ace.Raw != nil {
			dst = append(dst, ace.Raw...)
		} else {
			dst = binary.LittleEndian.AppendUint32(dst, ace.Mask)
			var err error
			if dst, err = marshalSID(dst, ace.SID); err != nil {
				return nil, fmt.Errorf("ace %d: %w", i, err)
			}
		}
		for (len(dst)-aceStart)%4 != 0 {
			dst = append(dst, 0)
		}
		binary.LittleEndian.PutUint16(dst[aceStart+2:], uint16(len(dst)-aceStart))
	}
	binary.LittleEndian.PutUint16(dst[start+2:], uint16(len(dst)-start))
	binary.LittleEndian.PutUint16(dst[start+4:], uint16(len(aces)))
	return dst, nil
}

// maskFromRWX converts a 3-bit rwx triplet to an NT access mask.
func maskFromRWX(p uint32) uint32 {
	var m uint32
	if p&4 != 0 {
		m |= FileGenericRead
	}
	if p&2 != 0 {
		m |= FileGenericWrite
	}
	if p&1 != 0 {
		m |= FileGenericExecute
	}
	if p&7 == 7 {
		m = FullControl
	}
	return m
}

// rwxFromMask converts an NT access mask to a 3-bit rwx triplet.
func rwxFromMask(m uint32) uint32 {
	if m&GenericAll != 0 {
		return 7
	}
	var p uint32
	if m&(FileReadData|GenericRead) != 0 {
		p |= 4
	}
	if m&(FileWriteData|GenericWrite) != 0 {
		p |= 2
	}
	if m&(FileExecute|GenericExecute) != 0 {
		p |= 1
	}
	return p
}
