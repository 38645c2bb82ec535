package mypubsub

import (
	"context"
	"os"
)

//go:generate mockgen -source=api.go -package mypubsub -destination pubsub_mock.go PubSub
type PubSub interface {
	Publish(c context.Context, topic string, data string) error
	CreateTopic(c context.Context, topic string) error
}

type backend string

const (
	backendGcloud backend = "gcloud"
	backendRedis  backend = "redis"
	backendFake   backend = "fake"
)

// New picks Google Pub/Sub, a Redis stream (the change feed the dashboard follows) or a no-op fake.
func New(c context.Context) (PubSub, func(), error) {
	switch backendFor(os.Getenv) {
	case backendGcloud:
		return newGcloudPubSub(c)
	case backendRedis:
		return newRedisPubSub(c, os.Getenv("REDIS_URL"))
	default:
		return newFakePubSub(c)
	}
}

func backendFor(getenv func(string) string) backend {
	if getenv("GOOGLE_CLOUD_PROJECT") != "" {
		return backendGcloud
	}
	if getenv("REDIS_URL") != "" {
		return backendRedis
	}
	return backendFake
}
