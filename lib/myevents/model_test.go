package myevents

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEventEnvelope(t *testing.T) {
	envelope := EventEnvelope{
		UID:           "abc",
		Topic:         "payment",
		AggregateUID:  "ORD1",
		EventTypeName: "payment.subscriptionActivated",
		EventPayload:  `{"OrderUID":"ORD1"}`,
	}
	data, _ := json.Marshal(envelope)
	req, _ := json.Marshal(PushRequest{Message: PushMessage{Data: data}, Subscription: "dashboard"})

	got, err := ParseEventEnvelope(strings.NewReader(string(req)))
	assert.NoError(t, err)
	assert.Equal(t, envelope, got)
	assert.Equal(t, "payment.payment.subscriptionActivated.ORD1", got.String())

	_, err = ParseEventEnvelope(strings.NewReader("not json"))
	assert.Error(t, err)
}
