package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/paycoord/internal/app"
	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/paycoord/internal/service/outbox"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type replayConfig struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

type replayMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newReplayDependencies = func(cfg replayConfig) (offsetClient, partitionConsumerSource, replayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = "paycoordctl"
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producer, err := sarama.NewSyncProducer(cfg.brokers, kafka.ProducerConfig("paycoordctl"))
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, consumer, producer, nil
}

func dlqReplayCmd(lookup app.EnvLookup) *cobra.Command {
	var (
		brokersRaw string
		cfg        replayConfig
	)

	cmd := &cobra.Command{
		Use:   "dlq-replay",
		Short: "Replay dead-lettered settlement events (dry-run unless --execute)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(brokersRaw) == "" {
				brokersRaw, _ = lookup(app.EnvKafkaBrokers)
			}
			cfg.brokers = parseBrokers(brokersRaw)
			if err := cfg.validate(); err != nil {
				return err
			}
			return runReplay(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+app.EnvKafkaBrokers+")")
	flags.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flags.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicSettlementEvents, "target topic for outbox events")
	flags.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	flags.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	flags.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flags.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	return cmd
}

func (cfg replayConfig) validate() error {
	switch {
	case len(cfg.brokers) == 0:
		return errors.New("kafka brokers are required (--brokers or " + app.EnvKafkaBrokers + ")")
	case strings.TrimSpace(cfg.sourceTopic) == "":
		return errors.New("source-topic is required")
	case strings.TrimSpace(cfg.targetTopic) == "":
		return errors.New("target-topic is required")
	case cfg.limit <= 0:
		return errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func runReplay(ctx context.Context, cfg replayConfig) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	client, consumer, producer, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	_, err = replay(ctx, cfg, client, consumer, producer)
	return err
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func replay(ctx context.Context, cfg replayConfig, client offsetClient, consumer partitionConsumerSource, producer replayProducer) (replayStats, error) {
	var total replayStats
	if client == nil || consumer == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}
		stats, err := processPartition(ctx, consumer, client, producer, cfg, partition, cfg.limit-total.processed)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// partitionWindow возвращает диапазон offset'ов [from, to) для сканирования.
// ok=false, если партиция пуста.
func partitionWindow(client offsetClient, cfg replayConfig, partition int32, limit int) (from, to int64, ok bool, err error) {
	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, false, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	to, err = client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, false, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if to <= oldest {
		return 0, 0, false, nil
	}
	from = oldest
	if cfg.fromNewest {
		from = max(to-int64(limit), oldest)
	}
	return from, to, true, nil
}

// processPartition читает партицию DLQ до конца окна, лимита или паузы
// длиной idleTimeout.
func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	producer replayProducer,
	cfg replayConfig,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats
	if limit <= 0 {
		return stats, nil
	}

	from, to, ok, err := partitionWindow(client, cfg, partition, limit)
	if err != nil || !ok {
		return stats, err
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, from)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	for stats.processed < limit {
		var msg *sarama.ConsumerMessage
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
			continue
		case <-time.After(cfg.idleTimeout):
			return stats, nil
		case m, open := <-pc.Messages():
			if !open || m == nil || m.Offset >= to {
				return stats, nil
			}
			msg = m
		}

		stats.processed++
		replayed, err := handleReplayCandidate(msg, producer, cfg)
		if err != nil {
			return stats, err
		}
		if replayed {
			stats.replayed++
		} else {
			stats.skipped++
		}
		if msg.Offset+1 >= to {
			return stats, nil
		}
	}
	return stats, nil
}

// handleReplayCandidate публикует (или в dry-run логирует) одно сообщение DLQ.
func handleReplayCandidate(msg *sarama.ConsumerMessage, producer replayProducer, cfg replayConfig) (bool, error) {
	logger := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	candidate, ok, err := extractReplayMessage(msg, cfg.targetTopic)
	if err != nil {
		logger.WithError(err).Warn("skip unsupported dlq message")
		return false, nil
	}
	if !ok {
		return false, nil
	}

	if !cfg.execute {
		logger.WithFields(log.Fields{"target_topic": candidate.topic, "key": candidate.key}).Info("dlq replay candidate")
		return true, nil
	}
	if err := publishReplay(producer, candidate); err != nil {
		return false, fmt.Errorf("publish replay message: %w", err)
	}
	return true, nil
}

func publishReplay(producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return errors.New("producer is nil")
	}

	pm := &sarama.ProducerMessage{
		Topic:     msg.topic,
		Key:       sarama.StringEncoder(msg.key),
		Value:     sarama.ByteEncoder(msg.value),
		Timestamp: time.Now().UTC(),
	}
	for name, value := range msg.headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(value)})
	}
	_, _, err := producer.SendMessage(pm)
	return err
}

// extractReplayMessage распознаёт два формата DLQ: сообщение, которое не смог
// обработать consumer (kafka.DeadLetter), и outbox-событие, исчерпавшее попытки
// публикации (конверт с outbox.DeadLetter внутри).
func extractReplayMessage(msg *sarama.ConsumerMessage, outboxTopic string) (replayMessage, bool, error) {
	var consumed kafka.DeadLetter
	if err := json.Unmarshal(msg.Value, &consumed); err == nil && consumed.OriginalValue != "" {
		topic := strings.TrimSpace(consumed.OriginalTopic)
		if topic == "" {
			topic = outboxTopic
		}
		return replayMessage{
			topic: topic,
			key:   consumed.OriginalKey,
			value: []byte(consumed.OriginalValue),
		}, true, nil
	}

	var envelope kafka.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}

	var dead outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(dead.Payload) == 0 {
		return replayMessage{}, false, errors.New("outbox dlq payload does not contain original event payload")
	}

	original := domain.OutboxMessage{
		ID:            firstNonEmpty(dead.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dead.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, string(envelope.EventType)),
		Payload:       dead.Payload,
	}
	encoded, err := json.Marshal(kafka.NewEnvelope(original))
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replayMessage{
		topic: outboxTopic,
		key:   firstNonEmpty(original.AggregateID, original.ID),
		value: encoded,
		headers: map[string]string{
			kafka.HeaderEventType: original.EventType,
			kafka.HeaderOutboxID:  original.ID,
		},
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
