// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"runtime/trace"

	"github.com/opentracing/opentracing-go"
)

// Trace is a wrapper around an opentracing span and a runtime/trace task,
// so that a single call sites feeds both the Jaeger tracer and go tool trace.
type Trace struct {
	span   opentracing.Span
	region *trace.Region
	task   *trace.Task
}

// StartTask starts a new task, e.g. an HTTP request or the handling of one
// room operation. Use StartRegion for work inside a task.
func StartTask(inCtx context.Context, name string) (Trace, context.Context) {
	ctx, task := trace.NewTask(inCtx, name)
	span, ctx := opentracing.StartSpanFromContext(ctx, name)
	return Trace{
		span: span,
		task: task,
	}, ctx
}

// StartRegion starts a new region inside an existing task.
func (t Trace) StartRegion(inCtx context.Context, name string) (Trace, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(inCtx, name)
	t.region = trace.StartRegion(ctx, name)
	t.span = span
	return t, ctx
}

// EndRegion ends the most recent region started on this trace.
func (t Trace) EndRegion() {
	t.span.Finish()
	if t.region != nil {
		t.region.End()
	}
}

// EndTask ends the task.
func (t Trace) EndTask() {
	t.span.Finish()
	if t.task != nil {
		t.task.End()
	}
}

// SetTag adds a tag to the opentracing span.
func (t Trace) SetTag(key string, value any) {
	t.span.SetTag(key, value)
}
