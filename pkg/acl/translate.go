// Package acl translates permissions between the Unix representation (mode
// bits, POSIX ACL) and the Windows one (DOS attributes, NT ACL with SIDs).
//
// DOS attributes map onto mode bits the way Samba does by default:
// ReadOnly is owner rw with no group/other write, Archive is the owner
// execute bit, System the group execute bit and Hidden the other execute bit.
// The mapping is lossy; only the ReadOnly/Archive/System/Hidden set survives
// a round trip. ACEs for Creator Owner, Creator Group and Everyone are carried
// through unchanged in both directions.
package acl

import (
	"fmt"
	"os"
)

// Kind identifies which representation a Payload carries.
type Kind uint8

const (
	KindNone Kind = iota
	KindUnix
	KindWindows
)

func (k Kind) String() string {
	switch k {
	case KindUnix:
		return "unix"
	case KindWindows:
		return "windows"
	default:
		return "none"
	}
}

// Payload is the raw permission data read from or written to a share.
// Unix payloads use Mode/UID/GID/PosixACL, Windows payloads use
// Attributes/Descriptor.
type Payload struct {
	Kind       Kind
	Mode       os.FileMode
	UID        uint32
	GID        uint32
	PosixACL   []byte
	Attributes DOSAttr
	Descriptor []byte
}

// UnixPerm is a decoded Unix permission set.
type UnixPerm struct {
	Mode os.FileMode
	UID  uint32
	GID  uint32
	ACL  []PosixEntry

	// Passthrough holds well-known ACEs that have no Unix equivalent but
	// must survive a Windows -> Unix -> Windows trip.
	Passthrough []ACE
	// Unmapped holds ACEs whose trustee has no Unix identity.
	Unmapped []ACE
}

// WindowsPerm is a decoded Windows permission set.
type WindowsPerm struct {
	Attributes DOSAttr
	Owner      SID
	Group      SID
	ACEs       []ACE
	Control    uint16
}

// DecodeUnix decodes a Unix payload.
func DecodeUnix(p Payload) (UnixPerm, error) {
	if p.Kind != KindUnix {
		return UnixPerm{}, fmt.Errorf("%w: expected unix payload, got %s", ErrMalformedAcl, p.Kind)
	}
	entries, err := DecodePosixACL(p.PosixACL)
	if err != nil {
		return UnixPerm{}, err
	}
	return UnixPerm{Mode: p.Mode.Perm(), UID: p.UID, GID: p.GID, ACL: entries}, nil
}

// EncodeUnix is the inverse of DecodeUnix.
func EncodeUnix(u UnixPerm) Payload {
	p := Payload{Kind: KindUnix, Mode: u.Mode.Perm(), UID: u.UID, GID: u.GID}
	if hasNamed(u.ACL) {
		p.PosixACL = EncodePosixACL(u.ACL)
	}
	return p
}

// DecodeWindows decodes a Windows payload. A descriptor with a revision
// other than 1 fails with ErrUnsupportedAclRevision.
func DecodeWindows(p Payload) (WindowsPerm, error) {
	if p.Kind != KindWindows {
		return WindowsPerm{}, fmt.Errorf("%w: expected windows payload, got %s", ErrMalformedAcl, p.Kind)
	}
	w := WindowsPerm{Attributes: p.Attributes}
	if len(p.Descriptor) == 0 {
		return w, nil
	}
	sd, err := DecodeDescriptor(p.Descriptor)
	if err != nil {
		return WindowsPerm{}, err
	}
	w.Owner, w.Group, w.ACEs, w.Control = sd.Owner, sd.Group, sd.DACL, sd.Control
	return w, nil
}

// EncodeWindows is the inverse of DecodeWindows.
func EncodeWindows(w WindowsPerm) (Payload, error) {
	p := Payload{Kind: KindWindows, Attributes: w.Attributes}
	if w.Owner == "" && w.Group == "" && len(w.ACEs) == 0 {
		return p, nil
	}
	sd := &SecurityDescriptor{
		Revision: descriptorRevision,
		Control:  w.Control,
		Owner:    w.Owner,
		Group:    w.Group,
		DACL:     w.ACEs,
		HasDACL:  true,
	}
	b, err := sd.Encode()
	if err != nil {
		return Payload{}, err
	}
	p.Descriptor = b
	return p, nil
}

// ToWindows maps a Unix permission set to DOS attributes and ACEs.
func ToWindows(u UnixPerm) (WindowsPerm, error) {
	w := WindowsPerm{
		Attributes: AttrsFromMode(u.Mode),
		Owner:      UnixUserSID(u.UID),
		Group:      UnixGroupSID(u.GID),
	}

	kept := make(map[SID]bool, len(u.Passthrough))
	for _, ace := range u.Passthrough {
		kept[ace.SID] = true
	}
	add := func(sid SID, rwx uint32) {
		if kept[sid] || rwx == 0 {
			return
		}
		w.ACEs = append(w.ACEs, ACE{Type: AccessAllowed, Mask: maskFromRWX(rwx), SID: sid})
	}

	perm := uint32(u.Mode.Perm())
	if !hasNamed(u.ACL) {
		add(w.Owner, perm>>6&7)
		add(w.Group, perm>>3&7)
		add(Everyone, perm&7)
	} else {
		mask := uint32(7)
		for _, e := range u.ACL {
			if e.Tag == TagMask {
				mask = uint32(e.Perm)
			}
		}
		for _, e := range u.ACL {
			switch e.Tag {
			case TagUserObj:
				add(w.Owner, uint32(e.Perm))
			case TagUser:
				add(UnixUserSID(e.ID), uint32(e.Perm)&mask)
			case TagGroupObj:
				add(w.Group, uint32(e.Perm)&mask)
			case TagGroup:
				add(UnixGroupSID(e.ID), uint32(e.Perm)&mask)
			case TagOther:
				add(Everyone, uint32(e.Perm))
			case TagMask:
			default:
				return WindowsPerm{}, fmt.Errorf("%w: posix acl tag 0x%x", ErrMalformedAcl, e.Tag)
			}
		}
	}

	w.ACEs = append(w.ACEs, u.Passthrough...)
	return w, nil
}

// ToUnix maps DOS attributes and ACEs to a Unix permission set. Owner and
// group bits come from the allow/deny ACEs of the owner and group SIDs, other
// bits from the Everyone ACE; execute bits are then overridden by the
// Archive/System/Hidden attributes.
func ToUnix(w WindowsPerm) (UnixPerm, error) {
	var u UnixPerm
	if uid, ok := w.Owner.UnixUser(); ok {
		u.UID = uid
	}
	if gid, ok := w.Group.UnixGroup(); ok {
		u.GID = gid
	}

	var owner, group, other uint32
	var named []PosixEntry
	deny := map[SID]uint32{}
	for _, ace := range w.ACEs {
		if ace.Type == AccessDenied && ace.Raw == nil {
			deny[ace.SID] |= rwxFromMask(ace.Mask)
		}
	}

	for _, ace := range w.ACEs {
		if ace.Raw != nil || ace.Type != AccessAllowed {
			if ace.SID.IsWellKnown() {
				u.Passthrough = append(u.Passthrough, ace)
			}
			continue
		}
		if ace.Flags&InheritOnly != 0 {
			if ace.SID.IsWellKnown() {
				u.Passthrough = append(u.Passthrough, ace)
			}
			continue
		}
		bits := rwxFromMask(ace.Mask) &^ deny[ace.SID]

		switch {
		case ace.SID.IsWellKnown():
			u.Passthrough = append(u.Passthrough, ace)
			if ace.SID == Everyone {
				other |= bits
			}
		case ace.SID == w.Owner:
			owner |= bits
		case ace.SID == w.Group:
			group |= bits
		default:
			if uid, ok := ace.SID.UnixUser(); ok {
				named = append(named, PosixEntry{Tag: TagUser, Perm: uint16(bits), ID: uid})
			} else if gid, ok := ace.SID.UnixGroup(); ok {
				named = append(named, PosixEntry{Tag: TagGroup, Perm: uint16(bits), ID: gid})
			} else {
				u.Unmapped = append(u.Unmapped, ace)
			}
		}
	}

	base := os.FileMode(owner<<6 | group<<3 | other)
	u.Mode = ApplyAttrs(base, w.Attributes)

	if len(named) > 0 {
		mode := uint32(u.Mode)
		mask := mode >> 3 & 7
		for _, e := range named {
			mask |= uint32(e.Perm)
		}
		u.ACL = append([]PosixEntry{
			{Tag: TagUserObj, Perm: uint16(mode >> 6 & 7)},
			{Tag: TagGroupObj, Perm: uint16(mode >> 3 & 7)},
			{Tag: TagMask, Perm: uint16(mask)},
			{Tag: TagOther, Perm: uint16(mode & 7)},
		}, named...)
	}
	return u, nil
}
