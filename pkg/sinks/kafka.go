package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/ranya-stt/pkg/errorsx"
	"github.com/harunnryd/ranya-stt/pkg/logging"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	TopicInterim string        `mapstructure:"topic_interim"`
	TopicFinal   string        `mapstructure:"topic_final"`
	Principal    string        `mapstructure:"principal"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes interim and final records to separate topics, keyed
// by stream id so a stream stays on one partition.
type KafkaSink struct {
	interim   messageWriter
	final     messageWriter
	cfg       KafkaConfig
	principal string
	log       *slog.Logger
	obs       metrics.Observer
}

func NewKafkaSink(cfg KafkaConfig, log *slog.Logger, obs metrics.Observer) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("sinks.kafka.brokers is required")
	}
	if cfg.TopicFinal == "" {
		return nil, errors.New("sinks.kafka.topic_final is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	var interim messageWriter
	if cfg.TopicInterim != "" {
		interim = newWriter(cfg.TopicInterim)
	}
	s := newKafkaSink(cfg, interim, newWriter(cfg.TopicFinal), log, obs)
	s.log.Info("kafka_sink_initialized",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic_interim", cfg.TopicInterim),
		slog.String("topic_final", cfg.TopicFinal))
	return s, nil
}

func newKafkaSink(cfg KafkaConfig, interim, final messageWriter, log *slog.Logger, obs metrics.Observer) *KafkaSink {
	return &KafkaSink{
		interim:   interim,
		final:     final,
		cfg:       cfg,
		principal: cfg.Principal,
		log:       logging.NewComponentLogger(log, "kafka_sink"),
		obs:       obs,
	}
}

// Publish writes rec to the topic matching its type. Interim records are
// dropped when no interim topic is configured.
func (s *KafkaSink) Publish(ctx context.Context, rec Record) error {
	writer, topic := s.final, s.cfg.TopicFinal
	if !rec.IsFinal() {
		writer, topic = s.interim, s.cfg.TopicInterim
	}
	if writer == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("encode record: %w", err), errorsx.ReasonSinkPublish)
	}
	msg := kafka.Message{
		Key:   []byte(rec.StreamID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(rec.Type)},
			{Key: "principal", Value: []byte(s.principal)},
		},
	}
	tags := map[string]string{metrics.TagStreamID: rec.StreamID, "topic": topic}
	start := time.Now()
	if err := writer.WriteMessages(ctx, msg); err != nil {
		metrics.Emit(s.obs, metrics.EventSinkError, 1, tags, map[string]any{metrics.FieldError: err.Error()})
		s.log.Error("kafka_publish_failed",
			slog.String("topic", topic),
			slog.String("stream_id", rec.StreamID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(fmt.Errorf("publish %s: %w", topic, err), errorsx.ReasonSinkPublish)
	}
	metrics.Emit(s.obs, metrics.EventSinkPublish, float64(time.Since(start).Milliseconds()), tags, nil)
	return nil
}

func (s *KafkaSink) Close() error {
	var errs []error
	if s.interim != nil {
		errs = append(errs, s.interim.Close())
	}
	if s.final != nil {
		errs = append(errs, s.final.Close())
	}
	return errors.Join(errs...)
}
