package acl

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// SID is a Windows security identifier in canonical string form (S-1-5-...).
type SID string

// Well-known SIDs that are never remapped.
const (
	CreatorOwner SID = "S-1-3-0"
	CreatorGroup SID = "S-1-3-1"
	Everyone     SID = "S-1-1-0"
)

// Samba's Unix identity namespaces.
const (
	unixUserPrefix  = "S-1-22-1-"
	unixGroupPrefix = "S-1-22-2-"
)

// IsWellKnown reports whether s is Creator Owner, Creator Group or Everyone.
func (s SID) IsWellKnown() bool {
	return s == CreatorOwner || s == CreatorGroup || s == Everyone
}

// UnixUserSID returns the SID Samba uses for a Unix uid.
func UnixUserSID(uid uint32) SID {
	return SID(unixUserPrefix + strconv.FormatUint(uint64(uid), 10))
}

// UnixGroupSID returns the SID Samba uses for a Unix gid.
func UnixGroupSID(gid uint32) SID {
	return SID(unixGroupPrefix + strconv.FormatUint(uint64(gid), 10))
}

// UnixUser returns the uid encoded in s, if s is a Unix user SID.
func (s SID) UnixUser() (uint32, bool) {
	return unixID(string(s), unixUserPrefix)
}

// UnixGroup returns the gid encoded in s, if s is a Unix group SID.
func (s SID) UnixGroup() (uint32, bool) {
	return unixID(string(s), unixGroupPrefix)
}

func unixID(s, prefix string) (uint32, bool) {
	if !strings.HasPrefix(s, prefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(s[len(prefix):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// ParseSID validates and canonicalizes a string SID.
func ParseSID(s string) (SID, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), "-")
	if len(parts) < 3 || parts[0] != "S" {
		return "", fmt.Errorf("%w: bad sid %q", ErrMalformedAcl, s)
	}
	if parts[1] != "1" {
		return "", fmt.Errorf("%w: sid revision %s", ErrMalformedAcl, parts[1])
	}
	if len(parts)-3 > 15 {
		return "", fmt.Errorf("%w: too many sub-authorities in %q", ErrMalformedAcl, s)
	}

	var auth uint64
	var err error
	if strings.HasPrefix(parts[2], "0X") {
		auth, err = strconv.ParseUint(parts[2][2:], 16, 48)
	} else {
		auth, err = strconv.ParseUint(parts[2], 10, 48)
	}
	if err != nil {
		return "", fmt.Errorf("%w: bad authority in %q", ErrMalformedAcl, s)
	}

	var b strings.Builder
	b.WriteString("S-1-")
	b.WriteString(strconv.FormatUint(auth, 10))
	for _, p := range parts[3:] {
		sub, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return "", fmt.Errorf("%w: bad sub-authority in %q", ErrMalformedAcl, s)
		}
		b.WriteByte('-')
		b.WriteString(strconv.FormatUint(sub, 10))
	}
	return SID(b.String()), nil
}

// marshalSID appends the binary form of s.
func marshalSID(dst []byte, s SID) ([]byte, error) {
	parts := strings.Split(string(s), "-")
	if len(parts) < 3 || parts[0] != "S" || parts[1] != "1" {
		return nil, fmt.Errorf("%w: bad sid %q", ErrMalformedAcl, s)
	}
	auth, err := strconv.ParseUint(parts[2], 10, 48)
	if err != nil {
		return nil, fmt.Errorf("%w: bad authority in %q", ErrMalformedAcl, s)
	}
	subs := parts[3:]
	if len(subs) > 15 {
		return nil, fmt.Errorf("%w: too many sub-authorities in %q", ErrMalformedAcl, s)
	}

	dst = append(dst, 1, byte(len(subs)))
	var a [8]byte
	binary.BigEndian.PutUint64(a[:], auth)
	dst = append(dst, a[2:]...)
	for _, p := range subs {
		sub, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad sub-authority in %q", ErrMalformedAcl, s)
		}
		dst = binary.LittleEndian.AppendUint32(dst, uint32(sub))
	}
	return dst, nil
}

// unmarshalSID decodes a binary SID at the start of b and returns its length.
func unmarshalSID(b []byte) (SID, int, error) {
	if len(b) < 8 {
		return "", 0, fmt.Errorf("%w: short sid", ErrMalformedAcl)
	}
	if b[0] != 1 {
		return "", 0, fmt.Errorf("%w: sid revision %d", ErrMalformedAcl, b[0])
	}
	count := int(b[1])
	size := 8 + 4*count
	if count > 15 || len(b) < size {
		return "", 0, fmt.Errorf("%w: truncated sid", ErrMalformedAcl)
	}

	var a [8]byte
	copy(a[2:], b[2:8])
	var sb strings.Builder
	sb.WriteString("S-1-")
	sb.WriteString(strconv.FormatUint(binary.BigEndian.Uint64(a[:]), 10))
	for i := 0; i < count; i++ {
		sb.WriteByte('-')
		sb.WriteString(strconv.FormatUint(uint64(binary.LittleEndian.Uint32(b[8+4*i:])), 10))
	}
	return SID(sb.String()), size, nil
}
