package memory

import (
	"context"
	"fmt"

	"sharelift/pkg/acl"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

// Limited is a Samba share that keeps only some DOS attributes and no
// security descriptor, the way an SMB2 session without a cifs mount does.
type Limited struct {
	*FS
	mask acl.DOSAttr
}

var _ share.AttrLimited = (*Limited)(nil)

// NewLimited returns an empty Samba share whose SetACL only changes the
// attribute bits in mask.
func NewLimited(mask acl.DOSAttr) *Limited {
	return &Limited{FS: New(share.Samba), mask: mask}
}

func (l *Limited) SettableAttrs() acl.DOSAttr { return l.mask }

func (l *Limited) SetACL(ctx context.Context, p types.PathKey, perm acl.Payload) error {
	if perm.Kind != acl.KindWindows || len(perm.Descriptor) > 0 {
		return &share.Error{Op: "setacl", Path: p, Kind: share.KindProtocolUnsupported,
			Err: fmt.Errorf("only attributes %s can be set", l.mask)}
	}
	cur, err := l.FS.GetACL(ctx, p)
	if err != nil {
		return err
	}
	return l.FS.SetACL(ctx, p, acl.Payload{
		Kind:       acl.KindWindows,
		Attributes: cur.Attributes.Overlay(perm.Attributes, l.mask),
	})
}
