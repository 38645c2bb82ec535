package myqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComposeTaskName(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "callconsole")
	t.Setenv("LOCATION_ID", "europe-west1")
	t.Setenv("QUEUE_NAME", "")

	assert.Equal(t, "projects/callconsole/locations/europe-west1/queues/default/tasks/abc", composeTaskName("abc"))
}
