package service_test

import (
	"context"
	"errors"

	"stagegraph.app/planner/internal/queue"
)

var errRedisDown = errors.New("redis: connection refused")

type mockProducer struct {
	enqueueFn func(ctx context.Context, msg queue.JobMessage) error
	sent      []queue.JobMessage
}

func (m *mockProducer) Enqueue(ctx context.Context, msg queue.JobMessage) error {
	if m.enqueueFn != nil {
		if err := m.enqueueFn(ctx, msg); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockProducer) EnqueueBatch(ctx context.Context, msgs []queue.JobMessage) error {
	for _, msg := range msgs {
		if err := m.Enqueue(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockProducer) Close() error {
	return nil
}
