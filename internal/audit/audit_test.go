package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	return Event{
		ReportID:        uuid.New(),
		Market:          "cn",
		TradeDate:       "20240308",
		PrimarySource:   "tushare",
		SecondarySource: "akshare",
		ChosenSource:    "tushare",
		Confidence:      0.82,
		Action:          "use_either",
		Consistent:      true,
		CreatedAt:       time.Date(2024, 3, 8, 16, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	event := sampleEvent()

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Event
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.ReportID != event.ReportID || got.ChosenSource != "tushare" {
			return errors.New("unexpected payload")
		}
		return nil
	})

	k := NewKafkaWithProducer(producer, "equityrecon.reports", zerolog.Nop())
	require.NoError(t, k.Publish(context.Background(), event))
	require.NoError(t, k.Close())
}

func TestKafkaPublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := NewKafkaWithProducer(producer, "equityrecon.reports", zerolog.Nop())
	err := k.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, k.Close())
}

func TestKafkaPublishCancelled(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	k := NewKafkaWithProducer(producer, "t", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, k.Publish(ctx, sampleEvent()), context.Canceled)
	require.NoError(t, k.Close())
}

func TestEventKeyAndNop(t *testing.T) {
	assert.Equal(t, "cn:20240308", sampleEvent().Key())
	assert.NoError(t, Nop{}.Publish(context.Background(), sampleEvent()))
	assert.NoError(t, Nop{}.Close())
}

func TestNewKafkaValidates(t *testing.T) {
	_, err := NewKafka(KafkaOptions{Topic: "t"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewKafka(KafkaOptions{Brokers: []string{"localhost:9092"}}, zerolog.Nop())
	assert.Error(t, err)
}
