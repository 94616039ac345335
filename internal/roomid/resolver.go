// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomid

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	resolveCacheTTL     = 5 * time.Minute
	resolveCacheCleanup = 10 * time.Minute
)

// RedirectLookup returns the redirect target for a canonical room ID, or ""
// when the room has not been renamed.
type RedirectLookup interface {
	GetRoomRedirect(ctx context.Context, oldName string) (string, error)
}

// Resolver canonicalizes room IDs and transparently follows redirect rows,
// so callers always operate on the room that actually holds the state.
// Lookups are cached briefly; redirects change rarely and only via admin
// migrations.
type Resolver struct {
	db    RedirectLookup
	cache *gocache.Cache
}

func NewResolver(db RedirectLookup) *Resolver {
	return &Resolver{
		db:    db,
		cache: gocache.New(resolveCacheTTL, resolveCacheCleanup),
	}
}

// Resolve normalizes id and follows at most one redirect hop. Redirect
// targets are required to be canonical rooms, so chains cannot form.
func (r *Resolver) Resolve(ctx context.Context, id string) (string, error) {
	canonical, err := NormalizeID(id)
	if err != nil {
		return "", err
	}
	if target, ok := r.cache.Get(canonical); ok {
		return target.(string), nil
	}
	target, err := r.db.GetRoomRedirect(ctx, canonical)
	if err != nil {
		return "", err
	}
	if target == "" {
		target = canonical
	}
	r.cache.Set(canonical, target, gocache.DefaultExpiration)
	return target, nil
}

// Invalidate drops the cached resolution for id, in both its raw and
// canonical forms. Called when redirect rows change.
func (r *Resolver) Invalidate(id string) {
	r.cache.Delete(id)
	if canonical, err := NormalizeID(id); err == nil {
		r.cache.Delete(canonical)
	}
}
