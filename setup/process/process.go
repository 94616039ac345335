// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// A ProcessContext carries the lifetime of the whole server process. Long
// running components register with ComponentStarted/ComponentFinished so that
// shutdown can wait for them to drain before the process exits.
type ProcessContext struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup     // used to wait for components to shutdown
	ctx      context.Context    // cancelled when the process starts shutting down
	shutdown context.CancelFunc // shut down the process
	degraded map[string]struct{}
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
		degraded: make(map[string]struct{}),
	}
}

func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, "scope", "process") // nolint:staticcheck
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

func (b *ProcessContext) ShutdownPlaysync() {
	b.shutdown()
}

func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

// Degraded marks the process as degraded in Sentry and the logs. It is called
// when a component failed in a way the server can limp along without. Each
// distinct reason is reported once.
func (b *ProcessContext) Degraded(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.degraded[err.Error()]; !ok {
		logrus.WithError(err).Warn("Server is running in a degraded state")
		sentry.CaptureException(err)
		b.degraded[err.Error()] = struct{}{}
	}
}

func (b *ProcessContext) IsDegraded() (bool, []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.degraded) > 0 {
		reasons := make([]string, 0, len(b.degraded))
		for reason := range b.degraded {
			reasons = append(reasons, reason)
		}
		return true, reasons
	}
	return false, nil
}
