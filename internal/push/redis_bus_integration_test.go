//go:build integration

package push_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/alovak/khqr-gateway/internal/push"
	"github.com/alovak/khqr-gateway/internal/testutil/containers"
)

type RedisBusSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisBusSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisBusSuite))
}

func (s *RedisBusSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
}

type channel struct {
	id     string
	mu     sync.Mutex
	events []push.Event
}

func (c *channel) ID() string { return c.id }

func (c *channel) Send(e push.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return true
}

func (c *channel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Two instances share one Redis channel; a confirmation probed on one
// instance reaches a client connected to the other exactly once.
func (s *RedisBusSuite) TestFanOutAcrossInstances() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notifiers []*push.Notifier
	var clients []*channel
	for i, id := range []string{"instance-a", "instance-b"} {
		registry := push.NewRegistry()
		c := &channel{id: id}
		registry.Add(c)
		if i == 1 {
			s.Require().NoError(registry.Subscribe(id, "F"))
		}

		bus := push.NewRedisBus(s.redis.Client, "test:payments", nil)
		notifier := push.NewNotifier(registry, nil, push.WithBus(bus))
		ps, err := bus.Subscribe(ctx)
		s.Require().NoError(err)
		go bus.Consume(ctx, ps, notifier.Deliver)

		notifiers = append(notifiers, notifier)
		clients = append(clients, c)
	}

	delivered, err := notifiers[0].Notify(ctx, push.PaymentSuccess("F", "#000001", time.Now().UnixMilli()))
	s.Require().NoError(err)
	s.Zero(delivered)

	s.Eventually(func() bool { return clients[1].count() == 1 }, 5*time.Second, 20*time.Millisecond)
	s.Never(func() bool { return clients[1].count() > 1 || clients[0].count() > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}
