// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"flag"
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/spencerc99/playhtml-sub002/setup/config"
)

func main() {
	defaultsForCI := flag.Bool("ci", false, "Populate the configuration with sane defaults for use in CI")
	dbURI := flag.String("db", "", "The database connection string for all components")
	adminToken := flag.String("admin-token", "", "The admin API bearer token to embed in the config")
	flag.Parse()

	cfg := &config.PlaySync{}
	cfg.Defaults(config.DefaultOpts{
		Generate:       true,
		SingleDatabase: true,
	})
	if *dbURI != "" {
		cfg.Global.DatabaseOptions.ConnectionString = config.DataSource(*dbURI)
	}
	if *adminToken != "" {
		cfg.AdminAPI.Token = *adminToken
	}

	if *defaultsForCI {
		cfg.Global.Metrics.Enabled = true
		cfg.SyncAPI.Fulltext.Enabled = true
		cfg.SyncAPI.Fulltext.InMemory = true
		cfg.AdminAPI.Token = "itsasecret"
		cfg.Logging = []config.LogrusHook{
			{
				Type:  "std",
				Level: "trace",
			},
		}
	}

	j, err := yaml.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	fmt.Println(string(j))
}
