package erasure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/retail-pipeline/etl/internal/codec"
	"github.com/retail-pipeline/etl/internal/dataset"
	"github.com/retail-pipeline/etl/internal/partition"
	"github.com/retail-pipeline/etl/internal/pipeline"
	"github.com/retail-pipeline/etl/internal/validation"
)

const (
	kafkaMinBytes = 1
	kafkaMaxBytes = 10e6

	malformedPayloadField = "payload"
)

var (
	// ErrFetchFailed is returned when the request topic cannot be read.
	ErrFetchFailed = errors.New("erasure request fetch failed")

	// ErrCommitFailed is returned when a handled request cannot be committed.
	ErrCommitFailed = errors.New("erasure request commit failed")
)

type (
	// MessageReader is the consumer side of the request topic.
	MessageReader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// DrainReport summarizes one drain of the request topic.
	DrainReport struct {
		Messages    int
		Applied     int
		Quarantined int
		Duration    time.Duration
	}

	// KafkaSource reads erasure requests from a topic. Each message is one JSON request
	// with the same shape as an erasure-requests record; its partition is the hour the
	// message was produced.
	KafkaSource struct {
		reader     MessageReader
		service    *Service
		descriptor *dataset.Descriptor
		engine     *validation.Engine
		store      pipeline.Store
		locker     pipeline.Locker
		idle       time.Duration
		logger     *slog.Logger
	}
)

// NewKafkaReader creates a consumer-group reader for the request topic in cfg.
func NewKafkaReader(cfg *Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: kafkaMinBytes,
		MaxBytes: kafkaMaxBytes,
	})
}

// NewKafkaSource creates a KafkaSource. Valid requests are persisted through store
// like file-based requests before they are applied. The drain shares the run lock of
// file-based erasure runs through locker; nil means no locking.
func NewKafkaSource(
	reader MessageReader,
	service *Service,
	registry *dataset.Registry,
	store pipeline.Store,
	locker pipeline.Locker,
	cfg *Config,
	logger *slog.Logger,
) (*KafkaSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if locker == nil {
		locker = noopLocker{}
	}

	d, err := registry.Get(dataset.KindErasureRequests)
	if err != nil {
		return nil, err
	}

	return &KafkaSource{
		reader:     reader,
		service:    service,
		descriptor: d,
		engine:     validation.NewEngine(store, store, logger),
		store:      store,
		locker:     locker,
		idle:       cfg.IdleTimeout,
		logger:     logger,
	}, nil
}

// Drain handles messages until none arrived for the idle timeout. Malformed and invalid
// requests are quarantined and committed. A request that fails to apply stops the drain
// uncommitted so it is delivered again. Drain fails with pipeline.ErrRunInProgress
// while a file-based erasure run holds the run lock.
func (k *KafkaSource) Drain(ctx context.Context) (*DrainReport, error) {
	release, acquired, err := k.locker.TryAcquire(ctx, pipeline.RunLockName(dataset.KindErasureRequests))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrStoreFailed, err)
	}

	if !acquired {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrRunInProgress, dataset.KindErasureRequests)
	}

	defer release()

	start := time.Now()
	report := &DrainReport{}

	for {
		msg, err := k.fetch(ctx)
		if err != nil {
			report.Duration = time.Since(start)

			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				k.logger.Info("Erasure request topic drained",
					slog.Int("messages", report.Messages),
					slog.Int("applied", report.Applied),
					slog.Int("quarantined", report.Quarantined),
					slog.Duration("duration", report.Duration))

				return report, nil
			}

			return report, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}

		report.Messages++

		applied, err := k.handle(ctx, msg)
		if err != nil {
			report.Duration = time.Since(start)

			return report, err
		}

		if applied {
			report.Applied++
		} else {
			report.Quarantined++
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			report.Duration = time.Since(start)

			return report, fmt.Errorf("%w: %w", ErrCommitFailed, err)
		}
	}
}

// Close closes the underlying reader.
func (k *KafkaSource) Close() error {
	return k.reader.Close()
}

func (k *KafkaSource) fetch(ctx context.Context) (kafka.Message, error) {
	if k.idle <= 0 {
		return k.reader.FetchMessage(ctx)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, k.idle)
	defer cancel()

	return k.reader.FetchMessage(fetchCtx)
}

// handle validates, persists and applies one message. It reports false when the message
// was quarantined instead.
func (k *KafkaSource) handle(ctx context.Context, msg kafka.Message) (bool, error) {
	p := partition.FromTime(msg.Time)

	rec, err := decodeMessage(msg.Value)
	if err != nil {
		k.logger.Warn("Malformed erasure request",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()))

		rejection := validation.Rejection{
			Record: codec.Record{malformedPayloadField: string(msg.Value)},
			Reason: err.Error(),
		}

		if err := k.store.UpsertQuarantine(ctx, k.descriptor, p, []validation.Rejection{rejection}); err != nil {
			return false, fmt.Errorf("%w: %w", validation.ErrQuarantineFailed, err)
		}

		return false, nil
	}

	result, err := k.engine.Process(ctx, k.descriptor, p, []codec.Record{rec})
	if err != nil {
		return false, err
	}

	if len(result.Valid) == 0 {
		return false, nil
	}

	if _, err := k.store.LoadBatch(ctx, p, []dataset.Row{k.descriptor.Sink(rec)}); err != nil {
		return false, fmt.Errorf("%w: %w", pipeline.ErrStoreFailed, err)
	}

	req, err := RequestFromRecord(rec)
	if err != nil {
		return false, err
	}

	if _, err := k.service.Apply(ctx, req); err != nil {
		return false, err
	}

	return true, nil
}

func decodeMessage(value []byte) (codec.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()

	var rec codec.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %w", codec.ErrDecodeFailed, err)
	}

	if rec == nil {
		return nil, fmt.Errorf("%w: not an object", codec.ErrDecodeFailed)
	}

	return rec, nil
}
