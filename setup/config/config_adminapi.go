// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

type AdminAPI struct {
	Global *Global `yaml:"-"`

	// The shared secret gating the admin control plane. Overridden by the
	// ADMIN_TOKEN environment variable. When both Token and TokenHash are
	// empty the admin endpoints accept any caller, mirroring the worker's
	// historic dev behaviour.
	Token string `yaml:"token"`

	// bcrypt hash of the admin token. Preferred over Token in deployments
	// where config files are world-readable.
	TokenHash string `yaml:"token_hash"`
}

func (c *AdminAPI) Defaults(opts DefaultOpts) {}

func (c *AdminAPI) Verify(configErrs *ConfigErrors) {}

// AuthDisabled reports whether the admin API runs without authentication.
func (c *AdminAPI) AuthDisabled() bool {
	return c.Token == "" && c.TokenHash == ""
}
