package paymentevents

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MarcGrol/callconsole/lib/myerrors"
	"github.com/MarcGrol/callconsole/lib/myevents"
	"github.com/MarcGrol/callconsole/lib/mytime"
)

type recordingService struct {
	started   []PaymentStarted
	activated []SubscriptionActivated
}

func (s *recordingService) OnPaymentStarted(c context.Context, topic string, event PaymentStarted) error {
	s.started = append(s.started, event)
	return nil
}

func (s *recordingService) OnSubscriptionActivated(c context.Context, topic string, event SubscriptionActivated) error {
	s.activated = append(s.activated, event)
	return nil
}

func pushRequestFor(t *testing.T, eventTypeName string, payload any) string {
	payloadBytes, err := json.Marshal(payload)
	assert.NoError(t, err)
	envelopeBytes, err := json.Marshal(myevents.EventEnvelope{
		Topic:         TopicName,
		EventTypeName: eventTypeName,
		EventPayload:  string(payloadBytes),
	})
	assert.NoError(t, err)
	requestBytes, err := json.Marshal(myevents.PushRequest{
		Message: myevents.PushMessage{Data: envelopeBytes},
	})
	assert.NoError(t, err)
	return string(requestBytes)
}

func TestDispatchEvent(t *testing.T) {
	t.Run("Subscription activated", func(t *testing.T) {
		// given
		service := &recordingService{}
		body := pushRequestFor(t, "payment.subscriptionActivated", SubscriptionActivated{
			OrderUID:    "ORD1",
			UserUID:     "user-1",
			ActiveUntil: mytime.ExampleTime,
		})

		// when
		err := DispatchEvent(context.TODO(), strings.NewReader(body), service)

		// then
		assert.NoError(t, err)
		assert.Empty(t, service.started)
		assert.Len(t, service.activated, 1)
		assert.Equal(t, "ORD1", service.activated[0].OrderUID)
		assert.True(t, mytime.ExampleTime.Equal(service.activated[0].ActiveUntil))
	})

	t.Run("Payment started", func(t *testing.T) {
		// given
		service := &recordingService{}
		body := pushRequestFor(t, "payment.started", PaymentStarted{OrderUID: "ORD1", AmountInCents: 9900})

		// when
		err := DispatchEvent(context.TODO(), strings.NewReader(body), service)

		// then
		assert.NoError(t, err)
		assert.Len(t, service.started, 1)
		assert.Equal(t, int64(9900), service.started[0].AmountInCents)
	})

	t.Run("Unknown event type", func(t *testing.T) {
		// when
		err := DispatchEvent(context.TODO(), strings.NewReader(pushRequestFor(t, "payment.refunded", struct{}{})), &recordingService{})

		// then
		assert.Error(t, err)
		assert.Equal(t, http.StatusNotImplemented, myerrors.GetHTTPStatus(err))
	})

	t.Run("Garbage", func(t *testing.T) {
		// when
		err := DispatchEvent(context.TODO(), strings.NewReader("not json"), &recordingService{})

		// then
		assert.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, myerrors.GetHTTPStatus(err))
	})
}
