package acl

import (
	"os"
	"strings"
)

// DOSAttr is the Windows file attribute word.
type DOSAttr uint32

const (
	AttrReadOnly  DOSAttr = 0x0001
	AttrHidden    DOSAttr = 0x0002
	AttrSystem    DOSAttr = 0x0004
	AttrDirectory DOSAttr = 0x0010
	AttrArchive   DOSAttr = 0x0020
	AttrNormal    DOSAttr = 0x0080
)

// mapped is the subset of attributes carried by Unix mode bits.
const mapped = AttrReadOnly | AttrHidden | AttrSystem | AttrArchive

// Has reports whether every bit of f is set.
func (a DOSAttr) Has(f DOSAttr) bool { return a&f == f }

// Mapped strips everything but ReadOnly, Archive, System and Hidden.
func (a DOSAttr) Mapped() DOSAttr { return a & mapped }

// Overlay returns a with the bits in mask taken from b. Normal is set only
// when nothing else is.
func (a DOSAttr) Overlay(b, mask DOSAttr) DOSAttr {
	out := a&^mask | b&mask
	if out&^AttrNormal == 0 {
		return AttrNormal
	}
	return out &^ AttrNormal
}

func (a DOSAttr) String() string {
	if a.Mapped() == 0 {
		if a.Has(AttrDirectory) {
			return "D"
		}
		return "N"
	}
	var b strings.Builder
	for _, f := range []struct {
		bit DOSAttr
		c   byte
	}{{AttrReadOnly, 'R'}, {AttrArchive, 'A'}, {AttrSystem, 'S'}, {AttrHidden, 'H'}, {AttrDirectory, 'D'}} {
		if a.Has(f.bit) {
			b.WriteByte(f.c)
		}
	}
	return b.String()
}

// AttrsFromMode derives DOS attributes from Unix permission bits:
// ReadOnly when the owner has rw and neither group nor other can write,
// Archive/System/Hidden from the owner/group/other execute bits.
func AttrsFromMode(mode os.FileMode) DOSAttr {
	perm := mode.Perm()
	var a DOSAttr
	if perm&0o600 == 0o600 && perm&0o022 == 0 {
		a |= AttrReadOnly
	}
	if perm&0o100 != 0 {
		a |= AttrArchive
	}
	if perm&0o010 != 0 {
		a |= AttrSystem
	}
	if perm&0o001 != 0 {
		a |= AttrHidden
	}
	if a == 0 {
		a = AttrNormal
	}
	return a
}

// ApplyAttrs folds DOS attributes into base permission bits. The result
// always maps back to the same ReadOnly/Archive/System/Hidden set through
// AttrsFromMode.
func ApplyAttrs(base os.FileMode, a DOSAttr) os.FileMode {
	perm := base.Perm()
	if a.Has(AttrReadOnly) {
		perm |= 0o600
		perm &^= 0o022
	} else if perm&0o600 == 0o600 && perm&0o022 == 0 {
		perm |= 0o020
	}

	perm = setBit(perm, 0o100, a.Has(AttrArchive))
	perm = setBit(perm, 0o010, a.Has(AttrSystem))
	perm = setBit(perm, 0o001, a.Has(AttrHidden))
	return perm
}

func setBit(m os.FileMode, bit os.FileMode, on bool) os.FileMode {
	if on {
		return m | bit
	}
	return m &^ bit
}
