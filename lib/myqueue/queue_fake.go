package myqueue

import (
	"context"
	"log"
)

// fakeTaskQueue does not deliver; locally the outbox is flushed by calling the trigger endpoint by hand
type fakeTaskQueue struct {
}

func newFakeQueue(c context.Context) (TaskQueuer, func(), error) {
	return &fakeTaskQueue{}, func() {
	}, nil
}

func (q *fakeTaskQueue) Enqueue(c context.Context, task Task) error {
	log.Printf("Fake enqueue of task %s -> PUT %s", task.UID, task.WebhookURLPath)
	return nil
}
