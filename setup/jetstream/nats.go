// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"crypto/tls"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

// NATSInstance holds the in-process NATS server, when one is wanted. The
// zero value is ready to use: the first Prepare call starts the server.
type NATSInstance struct {
	*natsserver.Server
	nc *natsclient.Conn
	js natsclient.JetStreamContext
}

var natsServerMutex sync.Mutex

// Prepare returns a JetStream context and connection, starting an embedded
// server first unless external addresses are configured. Repeat calls on the
// same instance reuse the existing connection.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn) {
	natsServerMutex.Lock()
	if len(cfg.Addresses) == 0 && s.Server == nil {
		opts := &natsserver.Options{
			ServerName:      "playsync",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           cfg.NoLog,
		}
		natsServer, err := natsserver.NewServer(opts)
		if err != nil {
			natsServerMutex.Unlock()
			logrus.WithError(err).Fatal("Failed to create NATS server")
		}
		if !cfg.NoLog {
			natsServer.ConfigureLogger()
		}
		natsServer.Start()
		s.Server = natsServer
		process.ComponentStarted()
		go func() {
			<-process.WaitForShutdown()
			natsServer.Shutdown()
			natsServer.WaitForShutdown()
			process.ComponentFinished()
		}()
	}
	natsServerMutex.Unlock()
	if s.Server != nil {
		if !s.ReadyForConnections(time.Second * 60) {
			logrus.Fatalln("NATS did not start in time")
		}
		if s.nc != nil {
			return s.js, s.nc
		}
		nc, err := natsclient.Connect("", natsclient.InProcessServer(s))
		if err != nil {
			logrus.WithError(err).Fatal("Failed to create NATS client")
		}
		js := setupNATS(cfg, nc)
		s.js = js
		s.nc = nc
		return js, nc
	}
	nc := connectNATS(cfg)
	return setupNATS(cfg, nc), nc
}

func connectNATS(cfg *config.JetStream) *natsclient.Conn {
	var opts []natsclient.Option
	if cfg.DisableTLSValidation {
		opts = append(opts, natsclient.Secure(&tls.Config{
			InsecureSkipVerify: true, // nolint: gosec
		}))
	}
	nc, err := natsclient.Connect(strings.Join(cfg.Addresses, ","), opts...)
	if err != nil {
		logrus.WithError(err).Panic("Unable to connect to NATS")
	}
	return nc
}

func setupNATS(cfg *config.JetStream, nc *natsclient.Conn) natsclient.JetStreamContext {
	js, err := nc.JetStream()
	if err != nil {
		logrus.WithError(err).Panic("Unable to get JetStream context")
	}

	for _, stream := range streams {
		name := cfg.Prefixed(stream.Name)
		info, err := js.StreamInfo(name)
		if err != nil && err != natsclient.ErrStreamNotFound {
			logrus.WithError(err).Fatal("Unable to get stream info")
		}
		if info == nil {
			namespaced := *stream
			namespaced.Name = name
			namespaced.Subjects = []string{name, name + ".>"}
			if cfg.InMemory {
				namespaced.Storage = natsclient.MemoryStorage
			}
			if _, err = js.AddStream(&namespaced); err != nil {
				// Probably a storage issue. Fall back to memory storage so
				// the server comes up at all; updates just won't survive a
				// broker restart.
				namespaced.Storage = natsclient.MemoryStorage
				if _, err = js.AddStream(&namespaced); err != nil {
					logrus.WithError(err).WithField("stream", name).Fatal("Unable to add stream")
				}
				logrus.WithField("stream", name).Warn("Stream created in memory after file storage failed")
			}
		}
	}

	return js
}

// DeleteAllStreams removes every configured stream, for tests that want a
// clean broker.
func DeleteAllStreams(js natsclient.JetStreamContext, cfg *config.JetStream) {
	for _, stream := range streams {
		_ = js.DeleteStream(cfg.Prefixed(stream.Name))
	}
}
