package paymentevents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/MarcGrol/callconsole/lib/myerrors"
	"github.com/MarcGrol/callconsole/lib/myevents"
)

const (
	TopicName                 = "payment"
	paymentStartedName        = TopicName + ".started"
	subscriptionActivatedName = TopicName + ".subscriptionActivated"
)

// PaymentEventService is implemented by consumers that subscribe to the payment topic
type PaymentEventService interface {
	OnPaymentStarted(c context.Context, topic string, event PaymentStarted) error
	OnSubscriptionActivated(c context.Context, topic string, event SubscriptionActivated) error
}

func DispatchEvent(c context.Context, reader io.Reader, service PaymentEventService) error {
	envelope, err := myevents.ParseEventEnvelope(reader)
	if err != nil {
		return myerrors.NewInvalidInputError(err)
	}

	switch envelope.EventTypeName {
	case paymentStartedName:
		{
			event := PaymentStarted{}
			err := json.Unmarshal([]byte(envelope.EventPayload), &event)
			if err != nil {
				return myerrors.NewInvalidInputError(err)
			}
			return service.OnPaymentStarted(c, envelope.Topic, event)
		}
	case subscriptionActivatedName:
		{
			event := SubscriptionActivated{}
			err := json.Unmarshal([]byte(envelope.EventPayload), &event)
			if err != nil {
				return myerrors.NewInvalidInputError(err)
			}
			return service.OnSubscriptionActivated(c, envelope.Topic, event)
		}
	default:
		return myerrors.NewNotImplementedError(fmt.Errorf("unknown event type %s", envelope.EventTypeName))
	}
}

type PaymentStarted struct {
	ProviderName  string
	OrderUID      string
	UserUID       string
	PlanUID       string
	AmountInCents int64
	Currency      string
}

func (e PaymentStarted) GetEventTypeName() string {
	return paymentStartedName
}

func (e PaymentStarted) GetAggregateName() string {
	return e.OrderUID
}

type SubscriptionActivated struct {
	ProviderName string
	OrderUID     string
	UserUID      string
	PlanUID      string
	PaidAmount   string
	ActiveUntil  time.Time
}

func (e SubscriptionActivated) GetEventTypeName() string {
	return subscriptionActivatedName
}

func (e SubscriptionActivated) GetAggregateName() string {
	return e.OrderUID
}
