// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package setup

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/internal"
	"github.com/spencerc99/playhtml-sub002/setup/config"
)

var (
	configPath = flag.String("config", "playsync.yaml", "The path to the config file. For more information, see the config file in this repository.")
	version    = flag.Bool("version", false, "Shows the current version and exits immediately.")
)

// ParseFlags parses the commandline flags and uses them to create a config.
func ParseFlags() *config.PlaySync {
	flag.Parse()

	if *version {
		fmt.Println(internal.VersionString())
		os.Exit(0)
	}

	if *configPath == "" {
		logrus.Fatal("--config must be supplied")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid config file: %s", err)
	}

	return cfg
}
