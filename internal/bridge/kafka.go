package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"

	"github.com/adred-codev/odin-realtime/internal/monitoring"
)

const sourceKafka = "kafka"

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Logger        zerolog.Logger

	// Rate caps records per second forwarded to the registry (0 = unlimited).
	// Records over the limit are dropped.
	Rate  float64
	Burst int
}

// KafkaStats is a snapshot of the bridge counters.
type KafkaStats struct {
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// KafkaBridge consumes records from a consumer group and broadcasts each
// record's value on the topic carried in its key, falling back to the Kafka
// topic name when the key is empty.
type KafkaBridge struct {
	client      *kgo.Client
	broadcaster Broadcaster
	limiter     *rate.Limiter
	logger      zerolog.Logger
	topics      []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	processed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func NewKafkaBridge(cfg KafkaConfig, b Broadcaster) (*KafkaBridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	if b == nil {
		return nil, errors.New("broadcaster is required")
	}

	logger := cfg.Logger.With().Str("component", "kafka_bridge").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	kb := newKafkaBridge(b, logger, cfg.Rate, cfg.Burst)
	kb.client = client
	kb.topics = cfg.Topics
	return kb, nil
}

func newKafkaBridge(b Broadcaster, logger zerolog.Logger, r float64, burst int) *KafkaBridge {
	kb := &KafkaBridge{broadcaster: b, logger: logger}
	if r > 0 {
		if burst <= 0 {
			burst = int(r)
		}
		kb.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
	}
	return kb
}

// Start launches the poll loop. It returns immediately.
func (kb *KafkaBridge) Start(ctx context.Context) {
	ctx, kb.cancel = context.WithCancel(ctx)
	kb.logger.Info().Strs("topics", kb.topics).Msg("Starting Kafka bridge")

	kb.wg.Add(1)
	go kb.consumeLoop(ctx)
}

// Stop cancels the poll loop, waits for it and closes the client. Safe to
// call more than once.
func (kb *KafkaBridge) Stop() {
	kb.once.Do(func() {
		if kb.cancel != nil {
			kb.cancel()
		}
		kb.wg.Wait()
		if kb.client != nil {
			kb.client.Close()
		}
		s := kb.Stats()
		kb.logger.Info().
			Uint64("processed", s.Processed).
			Uint64("dropped", s.Dropped).
			Uint64("failed", s.Failed).
			Msg("Kafka bridge stopped")
	})
}

func (kb *KafkaBridge) Stats() KafkaStats {
	return KafkaStats{
		Processed: kb.processed.Load(),
		Dropped:   kb.dropped.Load(),
		Failed:    kb.failed.Load(),
	}
}

func (kb *KafkaBridge) consumeLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(kb.logger, "kafkaConsumeLoop", map[string]any{
		"topics": kb.topics,
	})
	defer kb.wg.Done()

	for {
		fetches := kb.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return
		}

		for _, err := range fetches.Errors() {
			monitoring.RecordError("bridge", "warning")
			kb.logger.Error().
				Err(err.Err).
				Str("topic", err.Topic).
				Int32("partition", err.Partition).
				Msg("Fetch error")
		}

		fetches.EachRecord(kb.processRecord)
	}
}

func (kb *KafkaBridge) processRecord(record *kgo.Record) {
	if kb.limiter != nil && !kb.limiter.Allow() {
		dropped := kb.dropped.Add(1)
		monitoring.RecordBridgeMessage(sourceKafka, ResultDropped)
		if dropped%100 == 1 {
			kb.logger.Warn().
				Uint64("dropped_count", dropped).
				Str("topic", record.Topic).
				Msg("Kafka rate limit exceeded, dropping records")
		}
		return
	}

	switch forward(kb.broadcaster, kb.logger, sourceKafka, recordTopic(record), record.Value) {
	case ResultError, ResultInvalid:
		kb.failed.Add(1)
	default:
		kb.processed.Add(1)
	}
}

func recordTopic(record *kgo.Record) string {
	if len(record.Key) > 0 {
		return string(record.Key)
	}
	return record.Topic
}
