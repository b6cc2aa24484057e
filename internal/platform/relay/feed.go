// Package relay runs the push relay: a websocket hub that desks subscribe
// to, fed by backend POSTs and optionally by Kafka topics.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/platform/telemetry"
	"github.com/clinic/desk/internal/platform/websocket"
)

var (
	ErrUnmappedTopic = errors.New("kafka topic has no hub topic")
	ErrEmptyRecord   = errors.New("empty record")
)

// DefaultTopics maps Kafka topics to hub topics.
var DefaultTopics = map[string]string{
	"clinic.slots":                        scheduling.TopicSlots,
	"clinic.appointments.status":          scheduling.TopicAppointmentStatus,
	"clinic.appointments.treatment-notes": scheduling.TopicTreatmentNotes,
}

// FeedConfig configures a KafkaFeed.
type FeedConfig struct {
	Brokers []string
	Group   string
	// Topics maps Kafka topic to hub topic. Defaults to DefaultTopics.
	Topics map[string]string
	// StartOffset is "earliest" or "latest" (default).
	StartOffset string
}

// KafkaFeed consumes Kafka records and publishes them on the hub.
type KafkaFeed struct {
	client    *kgo.Client
	topics    map[string]string
	publisher websocket.EventPublisher
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

// NewKafkaFeed creates a consumer-group client for the mapped topics.
func NewKafkaFeed(cfg FeedConfig, publisher websocket.EventPublisher, logger zerolog.Logger, metrics *telemetry.Metrics) (*KafkaFeed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = DefaultTopics
	}

	logger = logger.With().Str("component", "kafka-feed").Logger()

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(kafkaTopics(topics)...),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("partitions revoked")
		}),
	}
	if cfg.StartOffset == "earliest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &KafkaFeed{
		client:    client,
		topics:    topics,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Run polls until ctx is done or the client is closed. Push events are
// advisory, so bad records are logged and skipped rather than retried.
func (f *KafkaFeed) Run(ctx context.Context) error {
	f.logger.Info().Strs("topics", kafkaTopics(f.topics)).Msg("kafka feed started")
	for {
		fetches := f.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			f.logger.Info().Msg("kafka feed stopped")
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			f.metrics.FeedRecord("fetch_error")
			f.logger.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			f.handle(ctx, rec)
		})
	}
}

// Close leaves the group and closes the client.
func (f *KafkaFeed) Close() {
	f.client.Close()
}

func (f *KafkaFeed) handle(ctx context.Context, rec *kgo.Record) {
	log := f.logger.With().
		Str("topic", rec.Topic).
		Int32("partition", rec.Partition).
		Int64("offset", rec.Offset).
		Logger()

	ev, err := Translate(rec, f.topics)
	if err != nil {
		f.metrics.FeedRecord("invalid")
		log.Warn().Err(err).Msg("skipping record")
		return
	}
	if err := f.publisher.Publish(ctx, ev); err != nil {
		f.metrics.FeedRecord("error")
		log.Error().Err(err).Msg("publish failed")
		return
	}
	f.metrics.FeedRecord("ok")
}

// Translate turns a record into a hub event. The value is either a complete
// event (with a "type") or the bare event data; the record key becomes the
// resource id and a "type" header overrides the derived type.
func Translate(rec *kgo.Record, topics map[string]string) (websocket.Event, error) {
	hubTopic, ok := topics[rec.Topic]
	if !ok {
		return websocket.Event{}, fmt.Errorf("%w: %s", ErrUnmappedTopic, rec.Topic)
	}
	if len(rec.Value) == 0 {
		return websocket.Event{}, ErrEmptyRecord
	}

	var ev websocket.Event
	if err := json.Unmarshal(rec.Value, &ev); err == nil && ev.Type != "" {
		ev.Topic = hubTopic
	} else {
		if !json.Valid(rec.Value) {
			return websocket.Event{}, errors.New("record value is not JSON")
		}
		ev = websocket.Event{
			Type:  defaultType(hubTopic, rec.Value),
			Topic: hubTopic,
			Data:  json.RawMessage(rec.Value),
		}
	}

	for _, h := range rec.Headers {
		if h.Key == "type" && len(h.Value) > 0 {
			ev.Type = string(h.Value)
		}
	}
	if ev.ResourceID == "" && len(rec.Key) > 0 {
		ev.ResourceID = string(rec.Key)
	}
	if ev.Timestamp.IsZero() && !rec.Timestamp.IsZero() {
		ev.Timestamp = rec.Timestamp.UTC()
	}
	return ev, nil
}

func defaultType(hubTopic string, data []byte) string {
	switch hubTopic {
	case scheduling.TopicSlots:
		var se scheduling.SlotEvent
		if err := json.Unmarshal(data, &se); err == nil && se.Action == scheduling.SlotAdd {
			return websocket.EventSlotAdded
		}
		return websocket.EventSlotRemoved
	case scheduling.TopicAppointmentStatus:
		return websocket.EventStatusChanged
	case scheduling.TopicTreatmentNotes:
		return websocket.EventTreatmentNote
	}
	return "event"
}

func kafkaTopics(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
