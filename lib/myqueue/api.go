package myqueue

import (
	"context"
	"os"
)

type Task struct {
	UID            string
	WebhookURLPath string
	Payload        []byte
}

//go:generate mockgen -source=api.go -package myqueue -destination queuer_mock.go TaskQueuer
type TaskQueuer interface {
	Enqueue(c context.Context, task Task) error
}

func New(c context.Context) (TaskQueuer, func(), error) {
	if os.Getenv("GOOGLE_CLOUD_PROJECT") != "" {
		return newGcloudQueue(c)
	}
	return newFakeQueue(c)
}
