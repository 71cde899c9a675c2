// Package consumer reads committed records back for consume-transform-produce
// loops. Offsets are left to the caller so they can be committed inside the
// producer transaction that carries the transformed records, or directly with
// Commit when at-least-once is enough.
package consumer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kpub/internal/pub"
	"kpub/internal/validator"
)

type Consumer struct {
	log       pub.Log
	logger    *zap.Logger
	batchSize int
}

var _ pub.Consumer = (*Consumer)(nil)

func NewConsumer(log pub.Log, logger *zap.Logger, batchSize int) (*Consumer, error) {
	c := Consumer{
		log:       log,
		logger:    logger,
		batchSize: batchSize,
	}

	if err := validator.Validate("consumer", c.log, c.logger); err != nil {
		return nil, fmt.Errorf("failed to validate consumer deps: %w", err)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", pub.ErrInvalidConfig, batchSize)
	}

	return &c, nil
}

// Pull processes up to one batch of records after the committed offset of
// group. Records are handled concurrently; the first handler error fails the
// pull and nothing should be committed.
func (c *Consumer) Pull(ctx context.Context, group string, tp pub.TopicPartition, handle func(context.Context, pub.ConsumerRecord) error) (int, pub.OffsetAndMetadata, error) {
	logger := c.logger.With(zap.String("group", group), zap.Stringer("partition", tp))
	logger.Debug("attempting to pull records")

	committed, _, err := c.log.CommittedOffset(ctx, group, tp)
	if err != nil {
		return 0, pub.OffsetAndMetadata{}, fmt.Errorf("failed to get committed offset: %w", err)
	}

	records, err := c.log.ReadCommitted(ctx, tp, committed.Offset, c.batchSize)
	if err != nil {
		return 0, pub.OffsetAndMetadata{}, fmt.Errorf("failed to read records: %w", err)
	}
	if len(records) == 0 {
		return 0, committed, nil
	}

	logger.Debug("loaded records",
		zap.Int("count", len(records)),
		zap.Int64("from", records[0].Offset),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.batchSize/2, 1))
	for _, r := range records {
		g.Go(func() error {
			if err := handle(gctx, r); err != nil {
				const errMsg = "failed to handle record"
				logger.Error(errMsg, zap.Int64("offset", r.Offset), zap.Error(err))
				return fmt.Errorf(errMsg+" at offset %d: %w", r.Offset, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, pub.OffsetAndMetadata{}, err
	}

	return len(records), pub.OffsetAndMetadata{Offset: records[len(records)-1].Offset + 1}, nil
}

// Commit stores om as the offset of group for tp without a transaction.
func (c *Consumer) Commit(ctx context.Context, group string, tp pub.TopicPartition, om pub.OffsetAndMetadata) error {
	if err := c.log.CommitOffset(ctx, group, tp, om); err != nil {
		return fmt.Errorf("failed to commit offset %d: %w", om.Offset, err)
	}

	c.logger.Debug("committed offset",
		zap.String("group", group),
		zap.Stringer("partition", tp),
		zap.Int64("offset", om.Offset),
	)
	return nil
}
