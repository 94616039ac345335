// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomid turns the host/path pairs playhtml pages live on into
// canonical room IDs, and decides which strings can never name a room.
//
// The canonical form is urlEncode(host + "-" + path) where the host is
// lowercased with any leading "www." removed and the path is URL-decoded
// once, loses any trailing slash and collapses to "/" when empty. Paths
// arriving from page URLs additionally lose a single trailing file
// extension. Normalization is idempotent: feeding a canonical ID back in
// yields the same ID.
package roomid

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidRoomID marks strings that can never name a room: filesystem
// paths, empty hosts, or the literal junk values broken clients send.
var ErrInvalidRoomID = errors.New("invalid room id")

var (
	extensionRe = regexp.MustCompile(`\.[A-Za-z0-9]{1,8}$`)
	drivePathRe = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
)

// Normalize builds the canonical room ID for a host and path, typically the
// location of the page embedding the client. Extension stripping happens
// here and only here: it is part of deriving a room from a page URL, not of
// re-canonicalizing an ID, which keeps NormalizeID idempotent for paths like
// "/file.tar".
func Normalize(host, path string) (string, error) {
	normalizedHost, err := normalizeHost(host)
	if err != nil {
		return "", err
	}
	return encodeID(normalizedHost, normalizePath(stripExtension(decodeOnce(path)))), nil
}

// NormalizeID canonicalizes an existing room ID. IDs produced by Normalize
// pass through unchanged; raw "host-path" strings and bare hosts are
// upgraded to canonical form.
func NormalizeID(id string) (string, error) {
	decoded := decodeOnce(id)
	if invalidDecoded(decoded) {
		return "", ErrInvalidRoomID
	}
	// The canonical separator is "-/": hostnames cannot contain slashes, so
	// the first occurrence always splits host from path.
	host, path, found := strings.Cut(decoded, "-/")
	if found {
		path = "/" + path
	} else {
		host, path = decoded, "/"
	}
	normalizedHost, err := normalizeHost(host)
	if err != nil {
		return "", err
	}
	return encodeID(normalizedHost, normalizePath(path)), nil
}

// IsInvalid reports whether the string can never name a room.
func IsInvalid(id string) bool {
	_, err := NormalizeID(id)
	return err != nil
}

func normalizeHost(host string) (string, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, "www.")
	if host == "" || strings.ContainsAny(host, "/\\") {
		return "", ErrInvalidRoomID
	}
	return host, nil
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func stripExtension(path string) string {
	ext := extensionRe.FindString(path)
	if ext == "" {
		return path
	}
	stripped := strings.TrimSuffix(path, ext)
	// Never strip down to nothing: "/.html" names a real page.
	if stripped == "" || strings.HasSuffix(stripped, "/") {
		return path
	}
	return stripped
}

// decodeOnce reverses one round of URL encoding. Undecodable input is used
// as-is, matching how clients that never encoded their IDs behave.
func decodeOnce(s string) string {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

func invalidDecoded(decoded string) bool {
	switch strings.ToLower(strings.TrimSpace(decoded)) {
	case "", "undefined", "null":
		return true
	}
	if strings.HasPrefix(decoded, "/") || strings.HasPrefix(decoded, "-") {
		return true // no host part
	}
	if strings.Contains(decoded, "\\") || drivePathRe.MatchString(decoded) {
		return true // filesystem path
	}
	if strings.Contains(decoded, "://") {
		return true // full URL, not an ID
	}
	return false
}

func encodeID(host, path string) string {
	return url.PathEscape(host + "-" + path)
}
