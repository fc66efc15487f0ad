// Package audit streams reconciliation outcomes to downstream consumers.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is the published form of one reconciliation report.
type Event struct {
	ReportID        uuid.UUID       `json:"report_id"`
	Market          string          `json:"market"`
	TradeDate       string          `json:"trade_date"`
	PrimarySource   string          `json:"primary_source"`
	SecondarySource string          `json:"secondary_source"`
	ChosenSource    string          `json:"chosen_source"`
	Confidence      float64         `json:"confidence"`
	Action          string          `json:"action"`
	Consistent      bool            `json:"is_consistent"`
	Rationale       string          `json:"rationale"`
	Report          json.RawMessage `json:"report,omitempty"`
	Diagnostics     json.RawMessage `json:"diagnostics,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Key partitions events by market and trade date.
func (e Event) Key() string {
	return e.Market + ":" + e.TradeDate
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// KafkaOptions configure the Kafka publisher.
type KafkaOptions struct {
	Brokers  []string
	Topic    string
	ClientID string
	Timeout  time.Duration
}

// Kafka publishes events through a synchronous producer.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*Kafka)(nil)
)

// NewKafka dials the brokers and returns a publisher.
func NewKafka(opts KafkaOptions, logger zerolog.Logger) (*Kafka, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("audit: no kafka brokers configured")
	}
	if opts.Topic == "" {
		return nil, errors.New("audit: kafka topic is required")
	}

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Version = sarama.V2_8_0_0
	if opts.ClientID != "" {
		config.ClientID = opts.ClientID
	}
	if opts.Timeout > 0 {
		config.Producer.Timeout = opts.Timeout
		config.Net.DialTimeout = opts.Timeout
	}

	producer, err := sarama.NewSyncProducer(opts.Brokers, config)
	if err != nil {
		return nil, errors.Wrap(err, "audit: create kafka producer")
	}
	return NewKafkaWithProducer(producer, opts.Topic, logger), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(producer sarama.SyncProducer, topic string, logger zerolog.Logger) *Kafka {
	return &Kafka{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "audit").Str("topic", topic).Logger(),
	}
}

// Publish sends one event and waits for the broker acknowledgement.
func (k *Kafka) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "audit: marshal event")
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(event.Key()),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return errors.Wrapf(err, "audit: publish report %s", event.ReportID)
	}
	k.logger.Debug().
		Str("report_id", event.ReportID.String()).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("report published")
	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
