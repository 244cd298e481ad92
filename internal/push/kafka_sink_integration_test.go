//go:build integration

package push_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/alovak/khqr-gateway/internal/push"
	"github.com/alovak/khqr-gateway/internal/testutil/containers"
)

type KafkaSinkSuite struct {
	suite.Suite
	kafka *containers.KafkaContainer
}

func TestKafkaSinkSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaSinkSuite))
}

func (s *KafkaSinkSuite) SetupSuite() {
	s.kafka = containers.NewKafkaContainer(s.T())
}

func (s *KafkaSinkSuite) TestPublishedEventIsKeyedByFingerprint() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const topic = "test.payments.settled"

	sink, err := push.NewKafkaSink([]string{s.kafka.Broker}, topic, nil)
	s.Require().NoError(err)

	event := push.PaymentSuccess("F", "#000001", time.Now().UnixMilli())
	s.Require().NoError(sink.Publish(ctx, event))
	// Close flushes the asynchronous produce
	s.Require().NoError(sink.Close(ctx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.kafka.Broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	var records []*kgo.Record
	for len(records) == 0 {
		fetches := consumer.PollFetches(ctx)
		s.Require().NoError(ctx.Err(), "no record consumed before the deadline")
		fetches.EachError(func(_ string, _ int32, err error) {
			s.Require().NoError(err)
		})
		records = append(records, fetches.Records()...)
	}

	s.Require().Len(records, 1)
	s.Equal("F", string(records[0].Key))

	want, err := json.Marshal(event)
	s.Require().NoError(err)
	s.JSONEq(string(want), string(records[0].Value))
}
