// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"errors"
	"net/url"

	"github.com/spencerc99/playhtml-sub002/setup/config"
)

// ParseFileURI returns the filepath in the given file: URI. Specifically, this
// will handle both relative (file:foo.db) and absolute (file:///path/to/foo)
// paths.
func ParseFileURI(dataSourceName config.DataSource) (string, error) {
	if !dataSourceName.IsSQLite() {
		return "", errors.New("ParseFileURI expects SQLite connection string")
	}
	uri, err := url.Parse(string(dataSourceName))
	if err != nil {
		return "", err
	}
	var cs string
	if uri.Opaque != "" { // file:filename.db
		cs = uri.Opaque
	} else if uri.Path != "" { // file:///path/to/filename.db
		cs = uri.Path
	} else {
		return "", errors.New("invalid file uri: " + string(dataSourceName))
	}
	// Add the sql query params back
	if uri.RawQuery != "" {
		cs += "?" + uri.RawQuery
	}
	return cs, nil
}
