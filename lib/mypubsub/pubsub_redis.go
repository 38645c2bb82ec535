package mypubsub

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	dashboardConsumerGroup = "dashboard"
	streamMaxLen           = 10000
)

// redisPubSub appends every event to a stream per topic; dashboards read it through a consumer group
type redisPubSub struct {
	client *redis.Client
}

func newRedisPubSub(c context.Context, redisURL string) (PubSub, func(), error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, func() {}, fmt.Errorf("error parsing redis url: %s", err)
	}

	client := redis.NewClient(options)
	err = client.Ping(c).Err()
	if err != nil {
		client.Close()
		return nil, func() {}, fmt.Errorf("error connecting to redis: %s", err)
	}

	return &redisPubSub{
			client: client,
		}, func() {
			client.Close()
		}, nil
}

func streamName(topic string) string {
	return "events:" + topic
}

func (ps *redisPubSub) CreateTopic(c context.Context, topic string) error {
	err := ps.client.XGroupCreateMkStream(c, streamName(topic), dashboardConsumerGroup, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("error creating stream for topic %s: %s", topic, err)
	}
	return nil
}

func (ps *redisPubSub) Publish(c context.Context, topic string, data string) error {
	err := ps.client.XAdd(c, &redis.XAddArgs{
		Stream: streamName(topic),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("error publishing event on topic %s: %s", topic, err)
	}
	return nil
}

// isBusyGroup reports that the consumer group exists already, which is what a second CreateTopic finds
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
