// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"net"
)

// RateLimiting applies to the bridge RPC and admin endpoints. The sync
// websocket is not rate limited.
type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a caller can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of IP addresses or CIDR ranges that bypass rate limiting, e.g.
	// peer coordinators on a private network.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// Per-endpoint overrides allow custom thresholds and cooloff periods for
	// specific routes.
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

type RateLimitEndpointOverride struct {
	// Threshold defines how many concurrent slots the override allows.
	Threshold int64 `yaml:"threshold"`
	// CooloffMS controls how long in milliseconds before a slot is released.
	CooloffMS int64 `yaml:"cooloff_ms"`
}

func (r *RateLimiting) Defaults() {
	// Disabled by default so that existing single-tenant deployments keep
	// their behaviour. Operators of shared coordinators should enable it.
	r.Enabled = false
	r.Threshold = 20
	r.CooloffMS = 500
	if r.PerEndpointOverrides == nil {
		r.PerEndpointOverrides = make(map[string]RateLimitEndpointOverride)
	}
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add(
			"global.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled. " +
				"Set 'enabled: false' to disable rate limiting, or provide valid positive values for both parameters.",
		)
	} else {
		checkPositive(configErrs, "global.rate_limiting.threshold", r.Threshold)
		checkPositive(configErrs, "global.rate_limiting.cooloff_ms", r.CooloffMS)
	}

	for name, override := range r.PerEndpointOverrides {
		if override.Threshold <= 0 || override.CooloffMS <= 0 {
			configErrs.Add(
				fmt.Sprintf("global.rate_limiting.per_endpoint_overrides.%s: both 'threshold' and 'cooloff_ms' must be positive", name),
			)
		} else {
			checkPositive(
				configErrs,
				fmt.Sprintf("global.rate_limiting.per_endpoint_overrides.%s.threshold", name),
				override.Threshold,
			)
			checkPositive(
				configErrs,
				fmt.Sprintf("global.rate_limiting.per_endpoint_overrides.%s.cooloff_ms", name),
				override.CooloffMS,
			)
		}
	}

	for _, ip := range r.ExemptIPAddresses {
		if _, _, err := net.ParseCIDR(ip); err != nil {
			if parsedIP := net.ParseIP(ip); parsedIP == nil {
				configErrs.Add(fmt.Sprintf("invalid IP address or CIDR for config key %q: %s", "global.rate_limiting.exempt_ip_addresses", ip))
			}
		}
	}
}
