// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "time"

type Bridge struct {
	Global *Global `yaml:"-"`

	// Base URL of a peer coordinator to POST room-to-room RPCs to when the
	// target room is not hosted by this process. Empty collapses the bridge
	// to the in-process path, which is the common single-instance deployment.
	PeerBaseURL string `yaml:"peer_base_url"`

	// Timeout for a single room-to-room RPC.
	RPCTimeoutMS int64 `yaml:"rpc_timeout_ms"`

	// Upper bound on concurrent fanout deliveries from one source room.
	MaxFanoutConcurrency int `yaml:"max_fanout_concurrency"`

	// Networks the outbound HTTP dialer may or may not reach, in CIDR
	// notation. Both empty disables filtering.
	AllowNetworks []string `yaml:"allow_networks"`
	DenyNetworks  []string `yaml:"deny_networks"`
}

func (c *Bridge) Defaults(opts DefaultOpts) {
	c.RPCTimeoutMS = (10 * time.Second).Milliseconds()
	c.MaxFanoutConcurrency = 8
}

func (c *Bridge) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "bridge.rpc_timeout_ms", c.RPCTimeoutMS)
	checkPositive(configErrs, "bridge.max_fanout_concurrency", int64(c.MaxFanoutConcurrency))
}

func (c *Bridge) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMS) * time.Millisecond
}
