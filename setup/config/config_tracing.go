// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"bytes"
	"io"

	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"
)

type Tracing struct {
	// Set to true to enable tracer
	Enabled bool `yaml:"enabled"`
	// The config for the jaeger opentracing reporter.
	Jaeger jaegerconfig.Configuration `yaml:"jaeger"`
}

func (c *Tracing) Defaults(opts DefaultOpts) {
	c.Enabled = false
}

func (c *Tracing) Verify(configErrs *ConfigErrors) {}

// SetupTracing configures the opentracing using the supplied configuration.
func (c *PlaySync) SetupTracing() (closer io.Closer, err error) {
	if !c.Tracing.Enabled {
		return io.NopCloser(bytes.NewReader([]byte{})), nil
	}
	return c.Tracing.Jaeger.InitGlobalTracer(
		"PlaySync",
		jaegerconfig.Logger(logrusLogger{logrus.StandardLogger()}),
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
}

// logrusLogger is a small wrapper that implements jaeger.Logger using logrus.
type logrusLogger struct {
	l *logrus.Logger
}

func (l logrusLogger) Error(msg string) { l.l.Error(msg) }

func (l logrusLogger) Infof(msg string, args ...interface{}) { l.l.Infof(msg, args...) }
