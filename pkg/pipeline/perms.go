package pipeline

import (
	"context"
	"fmt"

	"sharelift/pkg/acl"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

// syncPerm makes the destination permissions of key match the source ones,
// translated to the destination protocol. It reports whether anything was
// written.
func (pl *Pipeline) syncPerm(ctx context.Context, key types.PathKey, typ types.EntryType) (bool, error) {
	srcPerm, err := pl.src.GetACL(ctx, key)
	if err != nil {
		return false, err
	}
	if srcPerm.Kind == acl.KindNone {
		return false, nil
	}
	dstPerm, err := pl.dst.GetACL(ctx, key)
	if err != nil {
		return false, err
	}

	if pl.dst.Protocol().PermKind() == acl.KindWindows {
		want, err := pl.windowsPerm(ctx, srcPerm)
		if err != nil {
			return false, fmt.Errorf("failed to translate permissions of %s: %w", key, err)
		}
		have, err := acl.DecodeWindows(dstPerm)
		if err != nil {
			return false, fmt.Errorf("failed to decode destination permissions of %s: %w", key, err)
		}
		want.Attributes = mergeAttrs(want.Attributes, have.Attributes)
		if lim, ok := pl.dst.(share.AttrLimited); ok {
			// Owner, group and ACEs cannot be stored there.
			have = acl.WindowsPerm{Attributes: have.Attributes}
			want = acl.WindowsPerm{Attributes: have.Attributes.Overlay(want.Attributes, lim.SettableAttrs())}
		}
		return pl.applyWindows(ctx, key, have, want)
	}

	have, err := acl.DecodeUnix(dstPerm)
	if err != nil {
		return false, fmt.Errorf("failed to decode destination permissions of %s: %w", key, err)
	}
	want, err := unixPerm(srcPerm, have, typ == types.Directory)
	if err != nil {
		return false, fmt.Errorf("failed to translate permissions of %s: %w", key, err)
	}
	if have.Equal(want) {
		return false, nil
	}
	return true, pl.dst.SetACL(ctx, key, acl.EncodeUnix(want))
}

// windowsPerm converts a source payload into the Windows permissions the
// destination should hold. SIDs of a Windows source are mapped to the
// destination domain.
func (pl *Pipeline) windowsPerm(ctx context.Context, src acl.Payload) (acl.WindowsPerm, error) {
	switch src.Kind {
	case acl.KindWindows:
		w, err := acl.DecodeWindows(src)
		if err != nil {
			return acl.WindowsPerm{}, err
		}
		return pl.sids.MapPerm(ctx, w)
	case acl.KindUnix:
		u, err := acl.DecodeUnix(src)
		if err != nil {
			return acl.WindowsPerm{}, err
		}
		return acl.ToWindows(u)
	}
	return acl.WindowsPerm{}, fmt.Errorf("%w: payload kind %s", acl.ErrMalformedAcl, src.Kind)
}

// unixPerm converts a source payload into the Unix permissions the
// destination should hold. A Windows source without a descriptor only
// carries attributes, which are folded into the current mode of files and
// ignored for directories.
func unixPerm(src acl.Payload, have acl.UnixPerm, dir bool) (acl.UnixPerm, error) {
	switch src.Kind {
	case acl.KindUnix:
		return acl.DecodeUnix(src)
	case acl.KindWindows:
		w, err := acl.DecodeWindows(src)
		if err != nil {
			return acl.UnixPerm{}, err
		}
		if w.Owner == "" && w.Group == "" && len(w.ACEs) == 0 {
			if dir {
				return have, nil
			}
			out := have
			out.Mode = acl.ApplyAttrs(have.Mode, w.Attributes)
			return out, nil
		}
		return acl.ToUnix(w)
	}
	return acl.UnixPerm{}, fmt.Errorf("%w: payload kind %s", acl.ErrMalformedAcl, src.Kind)
}

// mergeAttrs takes the mapped attribute bits from want and keeps the rest,
// such as Directory, from the destination.
func mergeAttrs(want, have acl.DOSAttr) acl.DOSAttr {
	out := want.Mapped() | (have &^ have.Mapped() &^ acl.AttrNormal)
	if out == 0 {
		out = acl.AttrNormal
	}
	return out
}

// applyWindows writes want over have. When only ACEs differ and the share
// can edit single entries, stale ACEs are removed before their replacements
// are added; otherwise the whole descriptor is written at once.
func (pl *Pipeline) applyWindows(ctx context.Context, key types.PathKey, have, want acl.WindowsPerm) (bool, error) {
	if have.Equal(want) && have.Attributes == want.Attributes {
		return false, nil
	}

	editor, ok := pl.dst.(share.ACEEditor)
	if ok && have.Attributes == want.Attributes && have.Owner == want.Owner && have.Group == want.Group {
		for _, edit := range acl.Plan(have.ACEs, want.ACEs) {
			var err error
			switch edit.Op {
			case acl.RemoveACE:
				err = editor.RemoveACE(ctx, key, edit.ACE)
			case acl.AddACE:
				err = editor.AddACE(ctx, key, edit.ACE)
			}
			if err != nil {
				return true, err
			}
		}
		return true, nil
	}

	payload, err := acl.EncodeWindows(want)
	if err != nil {
		return false, fmt.Errorf("failed to encode permissions of %s: %w", key, err)
	}
	return true, pl.dst.SetACL(ctx, key, payload)
}
