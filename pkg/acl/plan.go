package acl

// EditOp is one step of an ACE update.
type EditOp uint8

const (
	RemoveACE EditOp = iota + 1
	AddACE
)

// Edit removes or adds a single ACE.
type Edit struct {
	Op  EditOp
	ACE ACE
}

// Plan computes the edits that turn current into desired. An ACE that exists
// with different contents is removed and then added again; edits never
// replace in place. ACEs already identical produce no edits.
func Plan(current, desired []ACE) []Edit {
	var edits []Edit
	matched := make([]bool, len(current))

	for _, want := range desired {
		found := false
		for i, have := range current {
			if !matched[i] && have.Same(want) {
				matched[i] = true
				found = true
				break
			}
		}
		if found {
			continue
		}
		for i, have := range current {
			if !matched[i] && have.Raw == nil && want.Raw == nil && have.SID == want.SID && have.Type == want.Type {
				matched[i] = true
				edits = append(edits, Edit{Op: RemoveACE, ACE: have})
				break
			}
		}
		edits = append(edits, Edit{Op: AddACE, ACE: want})
	}

	for i, have := range current {
		if !matched[i] {
			edits = append(edits, Edit{Op: RemoveACE, ACE: have})
		}
	}
	return edits
}

// Equal reports whether two Windows permission sets are identical.
func (w WindowsPerm) Equal(o WindowsPerm) bool {
	if w.Attributes.Mapped() != o.Attributes.Mapped() || w.Owner != o.Owner || w.Group != o.Group {
		return false
	}
	return len(Plan(w.ACEs, o.ACEs)) == 0
}

// Equal reports whether two Unix permission sets are identical.
func (u UnixPerm) Equal(o UnixPerm) bool {
	if u.Mode.Perm() != o.Mode.Perm() || u.UID != o.UID || u.GID != o.GID {
		return false
	}
	a, b := EncodePosixACL(u.ACL), EncodePosixACL(o.ACL)
	if !hasNamed(u.ACL) {
		a = nil
	}
	if !hasNamed(o.ACL) {
		b = nil
	}
	return string(a) == string(b)
}
