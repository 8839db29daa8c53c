package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/observability"
)

// MessageWriter is the part of kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
}

// KafkaSink streams reconciled events to a topic keyed by vehicle id. Publish only
// queues; a background worker writes in batches.
type KafkaSink struct {
	writer    MessageWriter
	queue     chan models.Event
	batchSize int
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaSink(writer MessageWriter, queueSize int, logger zerolog.Logger) *KafkaSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &KafkaSink{
		writer:    writer,
		queue:     make(chan models.Event, queueSize),
		batchSize: 100,
		logger:    logger,
	}
}

func (k *KafkaSink) Publish(_ context.Context, ev models.Event) {
	select {
	case k.queue <- ev:
	default:
		observability.SinkErrors.WithLabelValues("kafka").Inc()
		k.logger.Warn().Str("vehicle_id", ev.VehicleID).Msg("Kafka queue full, event dropped")
	}
}

func (k *KafkaSink) Start() error {
	if k.ctx != nil {
		return errors.New("kafka sink is already running")
	}
	k.ctx, k.cancel = context.WithCancel(context.Background())

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for {
			select {
			case ev := <-k.queue:
				k.flush(append([]models.Event{ev}, k.drain()...))
			case <-k.ctx.Done():
				if rest := k.drain(); len(rest) > 0 {
					k.flush(rest)
				}
				return
			}
		}
	}()

	k.logger.Info().Msg("KafkaSink started successfully")
	return nil
}

func (k *KafkaSink) Stop() error {
	if k.ctx == nil {
		return errors.New("kafka sink is not running")
	}
	k.cancel()
	k.wg.Wait()
	k.ctx = nil
	k.cancel = nil
	if err := k.writer.Close(); err != nil {
		return err
	}
	k.logger.Info().Msg("KafkaSink stopped successfully")
	return nil
}

// drain takes whatever is queued, up to one batch.
func (k *KafkaSink) drain() []models.Event {
	var out []models.Event
	for len(out) < k.batchSize-1 {
		select {
		case ev := <-k.queue:
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

func (k *KafkaSink) flush(events []models.Event) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			k.logger.Error().Err(err).Msg("Failed to encode event for Kafka")
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.VehicleID), Value: value, Time: ev.Timestamp})
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		observability.SinkErrors.WithLabelValues("kafka").Add(float64(len(msgs)))
		k.logger.Error().Err(err).Int("events", len(msgs)).Msg("Failed to write events to Kafka")
	}
}
