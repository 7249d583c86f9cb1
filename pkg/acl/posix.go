package acl

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// POSIX ACL entry tags, as stored in system.posix_acl_access.
const (
	TagUserObj  uint16 = 0x01
	TagUser     uint16 = 0x02
	TagGroupObj uint16 = 0x04
	TagGroup    uint16 = 0x08
	TagMask     uint16 = 0x10
	TagOther    uint16 = 0x20
)

const (
	posixVersion   = 2
	posixUndefined = 0xFFFFFFFF
)

// PosixEntry is one POSIX.1e ACL entry. ID is meaningful for TagUser and
// TagGroup only.
type PosixEntry struct {
	Tag  uint16
	Perm uint16
	ID   uint32
}

// DecodePosixACL parses the Linux xattr representation of a POSIX ACL.
func DecodePosixACL(b []byte) ([]PosixEntry, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) < 4 || (len(b)-4)%8 != 0 {
		return nil, fmt.Errorf("%w: posix acl is %d bytes", ErrMalformedAcl, len(b))
	}
	if v := binary.LittleEndian.Uint32(b); v != posixVersion {
		return nil, fmt.Errorf("%w: posix acl version %d", ErrMalformedAcl, v)
	}

	entries := make([]PosixEntry, 0, (len(b)-4)/8)
	for off := 4; off < len(b); off += 8 {
		e := PosixEntry{
			Tag:  binary.LittleEndian.Uint16(b[off:]),
			Perm: binary.LittleEndian.Uint16(b[off+2:]) & 7,
			ID:   binary.LittleEndian.Uint32(b[off+4:]),
		}
		switch e.Tag {
		case TagUserObj, TagGroupObj, TagMask, TagOther:
			e.ID = 0
		case TagUser, TagGroup:
		default:
			return nil, fmt.Errorf("%w: posix acl tag 0x%x", ErrMalformedAcl, e.Tag)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// EncodePosixACL produces the xattr form, entries ordered by tag then id as
// the kernel expects.
func EncodePosixACL(entries []PosixEntry) []byte {
	if len(entries) == 0 {
		return nil
	}
	sorted := append([]PosixEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Tag != sorted[j].Tag {
			return sorted[i].Tag < sorted[j].Tag
		}
		return sorted[i].ID < sorted[j].ID
	})

	out := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+8*len(sorted)), posixVersion)
	for _, e := range sorted {
		id := e.ID
		if e.Tag != TagUser && e.Tag != TagGroup {
			id = posixUndefined
		}
		out = binary.LittleEndian.AppendUint16(out, e.Tag)
		out = binary.LittleEndian.AppendUint16(out, e.Perm&7)
		out = binary.LittleEndian.AppendUint32(out, id)
	}
	return out
}

// hasNamed reports whether the ACL carries entries beyond the mode triplet.
func hasNamed(entries []PosixEntry) bool {
	for _, e := range entries {
		if e.Tag == TagUser || e.Tag == TagGroup {
			return true
		}
	}
	return false
}
