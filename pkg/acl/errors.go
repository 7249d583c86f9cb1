package acl

import "errors"

var (
	// ErrUnsupportedAclRevision is returned for security descriptors whose
	// revision is not 1.
	ErrUnsupportedAclRevision = errors.New("unsupported acl revision")

	// ErrMalformedAcl is returned when a permission payload cannot be decoded.
	ErrMalformedAcl = errors.New("malformed acl")
)
