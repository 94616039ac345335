// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Version is the current version of the config file format. Bump this when a
// change requires operators to update their config.
const Version = 1

// PlaySync is the master configuration for the playsync room coordinator.
type PlaySync struct {
	// The version of the configuration file. If the version in a file doesn't match
	// the current playsync config version, we can give a clear error message telling
	// the user to update their config file to the current version.
	Version int `yaml:"version"`

	Global     Global     `yaml:"global"`
	RoomServer RoomServer `yaml:"room_server"`
	SyncAPI    SyncAPI    `yaml:"sync_api"`
	Bridge     Bridge     `yaml:"bridge"`
	AdminAPI   AdminAPI   `yaml:"admin_api"`

	Tracing Tracing `yaml:"tracing"`

	// The configuration for logging.
	Logging []LogrusHook `yaml:"logging"`
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a database connection.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	// commented line may not have the prefix
	return strings.HasPrefix(string(d), "postgres:") ||
		strings.HasPrefix(string(d), "postgresql:")
}

// DataUnit represents a size in bytes. Valid yaml suffixes are tb, gb, mb and
// kb; a plain integer is taken as bytes.
type DataUnit int64

func (d *DataUnit) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var datasize string
	if err := unmarshal(&datasize); err != nil {
		return err
	}
	datasize = strings.ToLower(strings.TrimSpace(datasize))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(datasize, "tb"):
		multiplier = 1024 * 1024 * 1024 * 1024
	case strings.HasSuffix(datasize, "gb"):
		multiplier = 1024 * 1024 * 1024
	case strings.HasSuffix(datasize, "mb"):
		multiplier = 1024 * 1024
	case strings.HasSuffix(datasize, "kb"):
		multiplier = 1024
	}
	if multiplier > 1 {
		datasize = datasize[:len(datasize)-2]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(datasize), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid data size %q", datasize)
	}
	*d = DataUnit(size * multiplier)
	return nil
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" is supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

// DefaultOpts are the options used when generating a default configuration.
type DefaultOpts struct {
	Generate       bool
	SingleDatabase bool
}

// Load a yaml config file for a server run as multiple processes or as a monolith.
// Checks the config to ensure that it is valid.
func Load(configPath string) (*PlaySync, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return loadConfig(configData)
}

func loadConfig(configData []byte) (*PlaySync, error) {
	var c PlaySync
	c.Defaults(DefaultOpts{})

	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}

	if err := c.check(); err != nil {
		return nil, err
	}

	c.applyEnvironmentOverrides()
	c.Wiring()
	return &c, nil
}

// applyEnvironmentOverrides applies the legacy environment contract
// (PERSIST_URL, PERSIST_KEY, ADMIN_TOKEN) over the loaded file. This keeps the
// worker deployable in environments that only ever configured it through env.
func (c *PlaySync) applyEnvironmentOverrides() {
	if v := os.Getenv("PERSIST_URL"); v != "" {
		c.Global.DatabaseOptions.ConnectionString = DataSource(v)
	}
	if v := os.Getenv("PERSIST_KEY"); v != "" {
		c.Global.DatabaseOptions.ConnectionString = c.Global.DatabaseOptions.ConnectionString.withPassword(v)
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.AdminAPI.Token = v
	}
}

// withPassword injects or replaces the password of a postgres connection
// string. SQLite sources are returned unchanged.
func (d DataSource) withPassword(password string) DataSource {
	if !d.IsPostgres() {
		return d
	}
	s := string(d)
	re := regexp.MustCompile(`password=\S+`)
	if re.MatchString(s) {
		return DataSource(re.ReplaceAllString(s, "password="+password))
	}
	if strings.Contains(s, " ") || !strings.Contains(s, "://") {
		return DataSource(s + " password=" + password)
	}
	return DataSource(s + "&password=" + password)
}

// Derive the defaults for every section. Used before unmarshalling so that
// absent keys keep their default values.
func (c *PlaySync) Defaults(opts DefaultOpts) {
	c.Version = Version

	c.Global.Defaults(opts)
	c.RoomServer.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.Bridge.Defaults(opts)
	c.AdminAPI.Defaults(opts)
	c.Tracing.Defaults(opts)

	c.Wiring()
}

func (c *PlaySync) Verify(configErrs *ConfigErrors) {
	type verifiable interface {
		Verify(configErrs *ConfigErrors)
	}
	for _, section := range []verifiable{
		&c.Global, &c.RoomServer, &c.SyncAPI, &c.Bridge, &c.AdminAPI,
	} {
		section.Verify(configErrs)
	}
}

func (c *PlaySync) Wiring() {
	c.Global.JetStream.Global = &c.Global
	c.RoomServer.Global = &c.Global
	c.SyncAPI.Global = &c.Global
	c.Bridge.Global = &c.Global
	c.AdminAPI.Global = &c.Global
}

// check returns an error type containing all errors found within the config
// file.
func (c *PlaySync) check() error {
	var configErrs ConfigErrors

	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"config version is %q, expected %q - this means that the format of the configuration "+
				"file has changed in some significant way, so please revisit the sample config "+
				"and update your config file to match",
			strconv.Itoa(c.Version), strconv.Itoa(Version),
		))
		return configErrs
	}

	c.Verify(&configErrs)

	if configErrs != nil {
		return configErrs
	}
	return nil
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
