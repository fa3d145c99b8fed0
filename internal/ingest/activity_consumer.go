package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"rankingEngineAPI/internal/logger"
	"rankingEngineAPI/internal/metrics"
	"rankingEngineAPI/internal/types/leaderboard"
)

type ActivityConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
	RetryDelay  time.Duration
}

// ActivityRecorder is the write side of the leaderboard service.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, userID string, category leaderboard.Category, scoreDelta int64) (*leaderboard.ScoreRecord, error)
}

// messageReader is the subset of *kafka.Reader the consumer depends on.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ActivityConsumer turns activity events from Kafka into score updates.
// Messages that fail validation are logged and committed; storage failures
// are retried until they succeed or the context ends.
type ActivityConsumer struct {
	cfg        ActivityConsumerConfig
	reader     messageReader
	recorder   ActivityRecorder
	isRejected func(error) bool
	log        *zap.Logger
}

func NewActivityConsumer(cfg ActivityConsumerConfig, recorder ActivityRecorder, isRejected func(error) bool, log *zap.Logger) (*ActivityConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("activity topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newActivityConsumer(cfg, reader, recorder, isRejected, log), nil
}

func newActivityConsumer(cfg ActivityConsumerConfig, reader messageReader, recorder ActivityRecorder, isRejected func(error) bool, log *zap.Logger) *ActivityConsumer {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if isRejected == nil {
		isRejected = func(error) bool { return false }
	}
	return &ActivityConsumer{
		cfg:        cfg,
		reader:     reader,
		recorder:   recorder,
		isRejected: isRejected,
		log:        logger.OrNop(log).With(zap.String("component", "activity_consumer")),
	}
}

func (c *ActivityConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Run blocks until the context is cancelled or the reader is closed.
func (c *ActivityConsumer) Run(ctx context.Context) error {
	c.log.Info("activity consumer started",
		zap.String("topic", c.cfg.Topic),
		zap.String("group", c.cfg.GroupID),
		zap.Strings("brokers", c.cfg.Brokers),
	)
	defer c.log.Info("activity consumer stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			c.log.Error("activity fetch failed", zap.Error(err))
			if err := sleepCtx(ctx, c.cfg.RetryDelay); err != nil {
				return err
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			return err
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				c.log.Error("activity commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
			}
		}
		commitCancel()
	}
}

// handle returns an error only when ctx ends while a message is still being
// retried; the message is then left uncommitted.
func (c *ActivityConsumer) handle(ctx context.Context, msg kafka.Message) error {
	event, err := decodeActivityMessage(msg.Value)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("malformed").Inc()
		c.log.Warn("activity decode failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	for {
		_, err := c.recorder.RecordActivity(ctx, event.UserID, event.Category, event.ScoreDelta)
		switch {
		case err == nil:
			metrics.IngestMessages.WithLabelValues("recorded").Inc()
			return nil
		case c.isRejected(err):
			metrics.IngestMessages.WithLabelValues("rejected").Inc()
			c.log.Warn("activity rejected",
				zap.Int64("offset", msg.Offset),
				zap.String("user_id", event.UserID),
				zap.String("category", string(event.Category)),
				zap.Error(err),
			)
			return nil
		}

		metrics.IngestMessages.WithLabelValues("retry").Inc()
		c.log.Error("activity record failed, retrying", zap.Int64("offset", msg.Offset), zap.Error(err))
		if err := sleepCtx(ctx, c.cfg.RetryDelay); err != nil {
			return err
		}
	}
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type activityEvent struct {
	UserID     string
	Category   leaderboard.Category
	ScoreDelta int64
}

func decodeActivityMessage(raw []byte) (activityEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env leaderboard.ActivityEvent
	if err := dec.Decode(&env); err != nil {
		return activityEvent{}, fmt.Errorf("decode activity payload: %w", err)
	}
	userID := strings.TrimSpace(env.UserID)
	if userID == "" {
		return activityEvent{}, errors.New("user_id missing or empty")
	}
	category, err := leaderboard.ParseCategory(env.Category)
	if err != nil {
		return activityEvent{}, err
	}
	delta, err := env.ScoreDelta.Int64()
	if err != nil {
		return activityEvent{}, fmt.Errorf("score_delta must be an integer: %w", err)
	}
	return activityEvent{UserID: userID, Category: category, ScoreDelta: delta}, nil
}
