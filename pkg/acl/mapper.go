package acl

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Resolver maps a source-side SID to the SID of the same principal on the
// destination.
type Resolver interface {
	Resolve(ctx context.Context, sid SID) (SID, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, sid SID) (SID, error)

func (f ResolverFunc) Resolve(ctx context.Context, sid SID) (SID, error) { return f(ctx, sid) }

// IdentityResolver keeps every SID as is, for source and destination in the
// same domain.
var IdentityResolver = ResolverFunc(func(_ context.Context, sid SID) (SID, error) { return sid, nil })

// StaticResolver looks SIDs up in a fixed table and keeps unknown ones.
type StaticResolver map[SID]SID

func (s StaticResolver) Resolve(_ context.Context, sid SID) (SID, error) {
	if dst, ok := s[sid]; ok {
		return dst, nil
	}
	return sid, nil
}

// SIDMapper rewrites SIDs from source to destination, caching resolutions.
// Well-known SIDs are never looked up.
type SIDMapper struct {
	resolver Resolver
	cache    *ttlcache.Cache[SID, SID]
}

// NewSIDMapper creates a mapper; a nil resolver means IdentityResolver.
func NewSIDMapper(resolver Resolver, ttl time.Duration) *SIDMapper {
	if resolver == nil {
		resolver = IdentityResolver
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SIDMapper{
		resolver: resolver,
		cache: ttlcache.New[SID, SID](
			ttlcache.WithTTL[SID, SID](ttl),
			ttlcache.WithDisableTouchOnHit[SID, SID](),
		),
	}
}

// Map returns the destination SID for sid.
func (m *SIDMapper) Map(ctx context.Context, sid SID) (SID, error) {
	if sid == "" || sid.IsWellKnown() {
		return sid, nil
	}
	if item := m.cache.Get(sid); item != nil {
		return item.Value(), nil
	}
	dst, err := m.resolver.Resolve(ctx, sid)
	if err != nil {
		return "", fmt.Errorf("failed to resolve sid %s: %w", sid, err)
	}
	m.cache.Set(sid, dst, ttlcache.DefaultTTL)
	return dst, nil
}

// MapPerm rewrites the owner, group and every ACE trustee of w.
func (m *SIDMapper) MapPerm(ctx context.Context, w WindowsPerm) (WindowsPerm, error) {
	out := w
	var err error
	if out.Owner, err = m.Map(ctx, w.Owner); err != nil {
		return WindowsPerm{}, err
	}
	if out.Group, err = m.Map(ctx, w.Group); err != nil {
		return WindowsPerm{}, err
	}
	out.ACEs = make([]ACE, len(w.ACEs))
	for i, ace := range w.ACEs {
		if ace.Raw == nil {
			if ace.SID, err = m.Map(ctx, ace.SID); err != nil {
				return WindowsPerm{}, err
			}
		}
		out.ACEs[i] = ace
	}
	return out, nil
}

// Cached is the number of resolutions currently held.
func (m *SIDMapper) Cached() int {
	return m.cache.Len()
}
