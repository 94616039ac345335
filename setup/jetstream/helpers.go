// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// JetStreamConsumer starts a durable pull consumer on the given subject and
// feeds batches of messages to f on a background goroutine until ctx ends.
// Returning true from f acknowledges the batch; false leaves it for
// redelivery. Messages are marked in-progress before f runs so slow handlers
// aren't redelivered mid-flight.
func JetStreamConsumer(
	ctx context.Context, js natsclient.JetStreamContext, subj, durable string, batch int,
	f func(ctx context.Context, msgs []*natsclient.Msg) bool,
	opts ...natsclient.SubOpt,
) error {
	name := durable + "Pull"
	sub, err := js.PullSubscribe(subj, name, opts...)
	if err != nil {
		sentry.CaptureException(err)
		logrus.WithContext(ctx).WithError(err).Warnf("Failed to configure consumer %q", name)
		return fmt.Errorf("nats.SubscribeSync: %w", err)
	}
	go jetStreamConsumerWorker(ctx, sub, subj, batch, f)
	return nil
}

func jetStreamConsumerWorker(
	ctx context.Context, sub *natsclient.Subscription, subj string, batch int,
	f func(ctx context.Context, msgs []*natsclient.Msg) bool,
) {
	for {
		// If the parent context has given up then stop the listener.
		select {
		case <-ctx.Done():
			if err := sub.Unsubscribe(); err != nil {
				logrus.WithContext(ctx).Warnf("Failed to unsubscribe %q", subj)
			}
			return
		default:
		}
		msgs, err := sub.Fetch(batch, natsclient.Context(ctx))
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				// Fetch timeouts are expected when the subject is quiet.
				continue
			}
			if errors.Is(err, natsclient.ErrTimeout) || errors.Is(err, natsclient.ErrConnectionClosed) {
				continue
			}
			sentry.CaptureException(err)
			logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error fetching messages")
			continue
		}
		if len(msgs) < 1 {
			continue
		}
		for _, msg := range msgs {
			if err = msg.InProgress(natsclient.Context(ctx)); err != nil {
				logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error marking message as in progress")
				sentry.CaptureException(err)
				continue
			}
		}
		if f(ctx, msgs) {
			for _, msg := range msgs {
				if err = msg.AckSync(natsclient.Context(ctx)); err != nil {
					logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error acknowledging message")
					sentry.CaptureException(err)
				}
			}
		} else {
			for _, msg := range msgs {
				if err = msg.Nak(natsclient.Context(ctx)); err != nil {
					logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error requeueing message")
					sentry.CaptureException(err)
				}
			}
		}
	}
}
