package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type Producer interface {
	Enqueue(ctx context.Context, msg JobMessage) error
	EnqueueBatch(ctx context.Context, msgs []JobMessage) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, msg JobMessage) error {
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: messageValues(msg),
	}).Err(); err != nil {
		return fmt.Errorf("enqueue job %d: %w", msg.JobID, err)
	}

	p.logger.InfoContext(ctx, "enqueued job", "job_id", msg.JobID, "job_type", msg.JobType, "attempt", msg.Attempt)
	return nil
}

// EnqueueBatch pipelines the XADDs of jobs written by one transaction.
func (p *redisProducer) EnqueueBatch(ctx context.Context, msgs []JobMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range msgs {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: p.stream,
				Values: messageValues(msg),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %d jobs: %w", len(msgs), err)
	}

	p.logger.InfoContext(ctx, "enqueued jobs", "count", len(msgs))
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
