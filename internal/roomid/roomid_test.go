// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomid

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		host string
		path string
		want string // decoded form, for readability
	}{
		{name: "root path", host: "example.com", path: "/", want: "example.com-/"},
		{name: "empty path collapses to root", host: "example.com", path: "", want: "example.com-/"},
		{name: "host lowercased", host: "Example.COM", path: "/about", want: "example.com-/about"},
		{name: "www stripped", host: "www.example.com", path: "/about", want: "example.com-/about"},
		{name: "extension stripped", host: "example.com", path: "/index.html", want: "example.com-/index"},
		{name: "only one extension stripped", host: "example.com", path: "/file.tar.gz", want: "example.com-/file.tar"},
		{name: "trailing slash stripped", host: "example.com", path: "/about/", want: "example.com-/about"},
		{name: "dotfile path kept", host: "example.com", path: "/.html", want: "example.com-/.html"},
		{name: "encoded path decoded once", host: "example.com", path: "/my%20page", want: "example.com-/my page"},
		{name: "path without leading slash", host: "example.com", path: "about", want: "example.com-/about"},
		{name: "path case kept", host: "example.com", path: "/About", want: "example.com-/About"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.host, tc.path)
			require.NoError(t, err)
			assert.Equal(t, url.PathEscape(tc.want), got)
		})
	}
}

func TestNormalizeRejectsBadHosts(t *testing.T) {
	for _, host := range []string{"", "   ", "www.", "exa/mple.com", `exa\mple.com`} {
		_, err := Normalize(host, "/")
		assert.ErrorIs(t, err, ErrInvalidRoomID, "host %q", host)
	}
}

func TestNormalizeIDIdempotent(t *testing.T) {
	inputs := []string{
		"example.com-/",
		"Example.com-/About.html",
		"www.example.com-/games/",
		"my-site.com-/my-page",
		"example.com-/file.tar",
		"example.com",
		url.PathEscape("example.com-/my page"),
	}
	for _, input := range inputs {
		once, err := NormalizeID(input)
		require.NoError(t, err, "input %q", input)
		twice, err := NormalizeID(once)
		require.NoError(t, err, "canonical %q", once)
		assert.Equal(t, once, twice, "input %q", input)
	}
}

func TestNormalizeIDHyphenatedHost(t *testing.T) {
	got, err := NormalizeID("my-site.com-/about")
	require.NoError(t, err)
	assert.Equal(t, url.PathEscape("my-site.com-/about"), got)
}

// Extension stripping belongs to URL derivation, not ID canonicalization:
// stripping again on every hop would send "/file.tar.gz" to "/file.tar" and
// then to "/file".
func TestNormalizeIDKeepsExtensions(t *testing.T) {
	got, err := NormalizeID("example.com-/file.tar")
	require.NoError(t, err)
	assert.Equal(t, url.PathEscape("example.com-/file.tar"), got)
}

func TestNormalizeIDBareHostGetsRootPath(t *testing.T) {
	got, err := NormalizeID("Example.COM")
	require.NoError(t, err)
	assert.Equal(t, url.PathEscape("example.com-/"), got)
}

func TestNormalizeIDMatchesNormalize(t *testing.T) {
	fromPair, err := Normalize("WWW.Example.com", "/games/word-game.html")
	require.NoError(t, err)
	fromID, err := NormalizeID(fromPair)
	require.NoError(t, err)
	assert.Equal(t, fromPair, fromID)
}

func TestIsInvalid(t *testing.T) {
	invalid := []string{
		"",
		"undefined",
		"Undefined",
		"null",
		"/Users/spencer/dev/site",
		`C:\Users\spencer`,
		"c:/windows",
		"-/no-host",
		"https://example.com/page",
		"%2F", // decodes to "/"
	}
	for _, id := range invalid {
		assert.True(t, IsInvalid(id), "id %q should be invalid", id)
	}

	valid := []string{
		"example.com-/",
		"example.com",
		"my-site.com-/my-page",
	}
	for _, id := range valid {
		assert.False(t, IsInvalid(id), "id %q should be valid", id)
	}
}

type fakeRedirects struct {
	rows  map[string]string
	calls int
}

func (f *fakeRedirects) GetRoomRedirect(_ context.Context, oldName string) (string, error) {
	f.calls++
	return f.rows[oldName], nil
}

func TestResolverFollowsRedirect(t *testing.T) {
	oldID, err := NormalizeID("example.com-/old")
	require.NoError(t, err)
	newID, err := NormalizeID("example.com-/new")
	require.NoError(t, err)

	db := &fakeRedirects{rows: map[string]string{oldID: newID}}
	resolver := NewResolver(db)

	got, err := resolver.Resolve(context.Background(), "example.com-/old")
	require.NoError(t, err)
	assert.Equal(t, newID, got)

	// Unredirected rooms resolve to themselves.
	self, err := resolver.Resolve(context.Background(), "example.com-/other")
	require.NoError(t, err)
	other, err := NormalizeID("example.com-/other")
	require.NoError(t, err)
	assert.Equal(t, other, self)
}

func TestResolverCachesLookups(t *testing.T) {
	db := &fakeRedirects{}
	resolver := NewResolver(db)

	for i := 0; i < 3; i++ {
		_, err := resolver.Resolve(context.Background(), "example.com-/page")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, db.calls, "repeat resolutions must hit the cache")

	resolver.Invalidate("example.com-/page")
	_, err := resolver.Resolve(context.Background(), "example.com-/page")
	require.NoError(t, err)
	assert.Equal(t, 2, db.calls)
}

func TestResolverRejectsInvalidIDs(t *testing.T) {
	resolver := NewResolver(&fakeRedirects{})
	_, err := resolver.Resolve(context.Background(), "undefined")
	assert.ErrorIs(t, err, ErrInvalidRoomID)
}
