package paytr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/MarcGrol/callconsole/lib/myevents"
	"github.com/MarcGrol/callconsole/lib/mypublisher"
	"github.com/MarcGrol/callconsole/lib/mystore"
	"github.com/MarcGrol/callconsole/lib/mytime"
	"github.com/MarcGrol/callconsole/services/paymentevents"
)

var testConfig = Config{
	MerchantID:   "M1",
	MerchantKey:  "key456",
	MerchantSalt: "salt123",
	TestMode:     true,
}

func pendingOrder() Order {
	return Order{
		UID:           "ORD1",
		UserUID:       "user-1",
		PlanUID:       "pro",
		PeriodDays:    30,
		AmountInCents: 9900,
		Currency:      "TL",
		Email:         "a@b.c",
		Status:        OrderStatusPending,
		CreatedAt:     mytime.ExampleTime.Add(-time.Hour),
	}
}

func callbackBody(orderUID, status, totalAmount string, tamper func(hash string) string) string {
	hash := callbackSignature(testConfig.MerchantKey, testConfig.MerchantSalt, PaymentNotification{
		MerchantOID: orderUID,
		Status:      status,
		TotalAmount: totalAmount,
	})
	if tamper != nil {
		hash = tamper(hash)
	}
	return url.Values{
		"merchant_oid":       {orderUID},
		"status":             {status},
		"total_amount":       {totalAmount},
		"hash":               {hash},
		"failed_reason_code": {"2"},
		"failed_reason_msg":  {"card declined"},
	}.Encode()
}

func postCallback(t *testing.T, router *mux.Router, body string) *httptest.ResponseRecorder {
	request, err := http.NewRequest(http.MethodPost, "/paytr/callback", strings.NewReader(body))
	assert.NoError(t, err)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)
	return response
}

func assertAcknowledged(t *testing.T, response *httptest.ResponseRecorder) {
	assert.Equal(t, 200, response.Code)
	assert.Equal(t, "OK", response.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", response.Header().Get("Content-Type"))
}

func TestPaymentCallback(t *testing.T) {

	t.Run("Valid success notification activates subscription", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, subscriptionStore, _, nower, publisher := setup(t, ctrl)

		// given
		_ = orderStore.Put(c, "ORD1", pendingOrder())
		nower.EXPECT().Now().Return(mytime.ExampleTime)
		publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, paymentevents.SubscriptionActivated{
			ProviderName: "paytr",
			OrderUID:     "ORD1",
			UserUID:      "user-1",
			PlanUID:      "pro",
			PaidAmount:   "9900",
			ActiveUntil:  mytime.ExampleTime.AddDate(0, 0, 30),
		}).Return(nil)

		// when
		response := postCallback(t, router, callbackBody("ORD1", "success", "9900", nil))

		// then
		assertAcknowledged(t, response)

		order, _, _ := orderStore.Get(c, "ORD1")
		assert.Equal(t, OrderStatusPaid, order.Status)
		assert.Equal(t, "9900", order.PaidAmount)
		assert.Equal(t, mytime.ExampleTime, *order.PaidAt)

		subscription, exists, _ := subscriptionStore.Get(c, "user-1")
		assert.True(t, exists)
		assert.Equal(t, mytime.ExampleTime.AddDate(0, 0, 30), subscription.ActiveUntil)
		assert.Equal(t, "ORD1", subscription.LastOrderUID)
	})

	t.Run("Notification delivered twice is applied once", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, subscriptionStore, _, nower, publisher := setup(t, ctrl)

		// given
		_ = orderStore.Put(c, "ORD1", pendingOrder())
		nower.EXPECT().Now().Return(mytime.ExampleTime).Times(2)
		publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, gomock.Any()).Return(nil).Times(1)
		body := callbackBody("ORD1", "success", "9900", nil)

		// when
		first := postCallback(t, router, body)
		second := postCallback(t, router, body)

		// then
		assertAcknowledged(t, first)
		assertAcknowledged(t, second)

		subscription, _, _ := subscriptionStore.Get(c, "user-1")
		assert.Equal(t, mytime.ExampleTime.AddDate(0, 0, 30), subscription.ActiveUntil)
	})

	t.Run("Notification delivered concurrently is applied once", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, subscriptionStore, _, nower, publisher := setup(t, ctrl)

		// given
		_ = orderStore.Put(c, "ORD1", pendingOrder())
		nower.EXPECT().Now().Return(mytime.ExampleTime).Times(2)
		publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, gomock.Any()).Return(nil).Times(1)
		body := callbackBody("ORD1", "success", "9900", nil)

		// when
		responses := make([]*httptest.ResponseRecorder, 2)
		wg := sync.WaitGroup{}
		for i := range responses {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				responses[i] = postCallback(t, router, body)
			}(i)
		}
		wg.Wait()

		// then
		for _, response := range responses {
			assertAcknowledged(t, response)
		}
		order, _, _ := orderStore.Get(c, "ORD1")
		assert.Equal(t, OrderStatusPaid, order.Status)
		subscription, _, _ := subscriptionStore.Get(c, "user-1")
		assert.Equal(t, mytime.ExampleTime.AddDate(0, 0, 30), subscription.ActiveUntil)
	})

	t.Run("Existing subscription is extended from its end", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, subscriptionStore, _, nower, publisher := setup(t, ctrl)

		// given
		activeUntil := mytime.ExampleTime.AddDate(0, 0, 10)
		_ = orderStore.Put(c, "ORD1", pendingOrder())
		_ = subscriptionStore.Put(c, "user-1", Subscription{UserUID: "user-1", PlanUID: "pro", ActiveUntil: activeUntil})
		nower.EXPECT().Now().Return(mytime.ExampleTime)
		publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, gomock.Any()).Return(nil)

		// when
		response := postCallback(t, router, callbackBody("ORD1", "success", "9900", nil))

		// then
		assertAcknowledged(t, response)
		subscription, _, _ := subscriptionStore.Get(c, "user-1")
		assert.Equal(t, activeUntil.AddDate(0, 0, 30), subscription.ActiveUntil)
	})

	t.Run("Expired subscription restarts from now", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, subscriptionStore, _, nower, publisher := setup(t, ctrl)

		// given
		_ = orderStore.Put(c, "ORD1", pendingOrder())
		_ = subscriptionStore.Put(c, "user-1", Subscription{UserUID: "user-1", ActiveUntil: mytime.ExampleTime.AddDate(0, -2, 0)})
		nower.EXPECT().Now().Return(mytime.ExampleTime)
		publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, gomock.Any()).Return(nil)

		// when
		response := postCallback(t, router, callbackBody("ORD1", "success", "9900", nil))

		// then
		assertAcknowledged(t, response)
		subscription, _, _ := subscriptionStore.Get(c, "user-1")
		assert.Equal(t, mytime.ExampleTime.AddDate(0, 0, 30), subscription.ActiveUntil)
	})

	t.Run("Altered signature is ignored", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, subscriptionStore, _, _, _ := setup(t, ctrl)

		// given
		_ = orderStore.Put(c, "ORD1", pendingOrder())
		flipLast := func(hash string) string {
			last := hash[len(hash)-2]
			replacement := "A"
			if last == 'A' {
				replacement = "B"
			}
			return hash[:len(hash)-2] + replacement + hash[len(hash)-1:]
		}

		// when
		response := postCallback(t, router, callbackBody("ORD1", "success", "9900", flipLast))

		// then
		assertAcknowledged(t, response)
		order, _, _ := orderStore.Get(c, "ORD1")
		assert.Equal(t, OrderStatusPending, order.Status)
		_, exists, _ := subscriptionStore.Get(c, "user-1")
		assert.False(t, exists)
	})

	t.Run("Missing signature is ignored", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, _, _, _, _ := setup(t, ctrl)

		// given
		_ = orderStore.Put(c, "ORD1", pendingOrder())
		body := url.Values{
			"merchant_oid": {"ORD1"},
			"status":       {"success"},
			"total_amount": {"9900"},
		}.Encode()

		// when
		response := postCallback(t, router, body)

		// then
		assertAcknowledged(t, response)
		order, _, _ := orderStore.Get(c, "ORD1")
		assert.Equal(t, OrderStatusPending, order.Status)
	})

	t.Run("Failed payment leaves order pending", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, _, _, _, _ := setup(t, ctrl)

		// given
		_ = orderStore.Put(c, "ORD1", pendingOrder())

		// when
		response := postCallback(t, router, callbackBody("ORD1", "failed", "9900", nil))

		// then
		assertAcknowledged(t, response)
		order, _, _ := orderStore.Get(c, "ORD1")
		assert.Equal(t, OrderStatusPending, order.Status)
	})

	t.Run("Unknown order", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		_, router, _, _, _, nower, _ := setup(t, ctrl)

		// given
		nower.EXPECT().Now().Return(mytime.ExampleTime)

		// when
		response := postCallback(t, router, callbackBody("ORD404", "success", "9900", nil))

		// then
		assertAcknowledged(t, response)
	})

	t.Run("Malformed payload", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		_, router, _, _, _, _, _ := setup(t, ctrl)

		// when
		response := postCallback(t, router, "merchant_oid=%zz")

		// then
		assertAcknowledged(t, response)
	})

	t.Run("Amount mismatch is still applied", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, _, _, nower, publisher := setup(t, ctrl)

		// given
		_ = orderStore.Put(c, "ORD1", pendingOrder())
		nower.EXPECT().Now().Return(mytime.ExampleTime)
		publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, gomock.Any()).Return(nil)

		// when
		response := postCallback(t, router, callbackBody("ORD1", "success", "10395", nil))

		// then
		assertAcknowledged(t, response)
		order, _, _ := orderStore.Get(c, "ORD1")
		assert.Equal(t, OrderStatusPaid, order.Status)
		assert.Equal(t, "10395", order.PaidAmount)
	})

	t.Run("Persistence failure still acknowledges and is retried later", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, subscriptionStore, _, nower, publisher := setup(t, ctrl)

		// given
		_ = orderStore.Put(c, "ORD1", pendingOrder())
		nower.EXPECT().Now().Return(mytime.ExampleTime).Times(2)
		gomock.InOrder(
			publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, gomock.Any()).Return(fmt.Errorf("outbox unavailable")),
			publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, gomock.Any()).Return(nil),
		)
		body := callbackBody("ORD1", "success", "9900", nil)

		// when
		first := postCallback(t, router, body)

		// then
		assertAcknowledged(t, first)
		order, _, _ := orderStore.Get(c, "ORD1")
		assert.Equal(t, OrderStatusPending, order.Status)
		_, exists, _ := subscriptionStore.Get(c, "user-1")
		assert.False(t, exists)

		// when
		second := postCallback(t, router, body)

		// then
		assertAcknowledged(t, second)
		order, _, _ = orderStore.Get(c, "ORD1")
		assert.Equal(t, OrderStatusPaid, order.Status)
		subscription, _, _ := subscriptionStore.Get(c, "user-1")
		assert.Equal(t, mytime.ExampleTime.AddDate(0, 0, 30), subscription.ActiveUntil)
	})

	t.Run("Panic still acknowledges", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, _, _, nower, publisher := setup(t, ctrl)

		// given
		_ = orderStore.Put(c, "ORD1", pendingOrder())
		nower.EXPECT().Now().Return(mytime.ExampleTime)
		publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, gomock.Any()).DoAndReturn(
			func(c context.Context, topic string, event myevents.Event) error {
				panic("boom")
			})

		// when
		response := postCallback(t, router, callbackBody("ORD1", "success", "9900", nil))

		// then
		assertAcknowledged(t, response)
		order, _, _ := orderStore.Get(c, "ORD1")
		assert.Equal(t, OrderStatusPending, order.Status)
	})
}

func TestCheckout(t *testing.T) {
	checkoutForm := url.Values{
		"userUid":     {"user-1"},
		"email":       {"a@b.c"},
		"planUid":     {"pro"},
		"periodDays":  {"30"},
		"amount":      {"99.00"},
		"currency":    {"TL"},
		"userName":    {"Ayse Yilmaz"},
		"userAddress": {"Istanbul"},
		"userPhone":   {"05550000000"},
		"okUrl":       {"https://app.example.com/billing/ok"},
		"failUrl":     {"https://app.example.com/billing/fail"},
	}

	postCheckout := func(t *testing.T, router *mux.Router, values url.Values) *httptest.ResponseRecorder {
		request, err := http.NewRequest(http.MethodPost, "/paytr/checkout/ORD1", strings.NewReader(values.Encode()))
		assert.NoError(t, err)
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		request.Header.Set("X-Forwarded-For", "10.0.0.1, 192.168.1.1")
		response := httptest.NewRecorder()
		router.ServeHTTP(response, request)
		return response
	}

	t.Run("Start checkout", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, _, payer, nower, publisher := setup(t, ctrl)

		// given
		nower.EXPECT().Now().Return(mytime.ExampleTime)
		publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, paymentevents.PaymentStarted{
			ProviderName:  "paytr",
			OrderUID:      "ORD1",
			UserUID:       "user-1",
			PlanUID:       "pro",
			AmountInCents: 9900,
			Currency:      "TL",
		}).Return(nil)
		payer.EXPECT().RequestToken(gomock.Any(), gomock.Any()).DoAndReturn(func(c context.Context, req TokenRequest) (string, error) {
			assert.Equal(t, "M1", req.MerchantID)
			assert.Equal(t, "10.0.0.1", req.UserIP)
			assert.Equal(t, int64(9900), req.PaymentAmount)
			assert.True(t, req.TestMode)
			assert.Equal(t, tokenSignature("key456", "salt123", req), req.Token)
			return "tok123", nil
		})

		// when
		response := postCheckout(t, router, checkoutForm)

		// then
		assert.Equal(t, 200, response.Code)
		resp := CheckoutResponse{}
		err := json.Unmarshal(response.Body.Bytes(), &resp)
		assert.NoError(t, err)
		assert.Equal(t, "https://www.paytr.com/odeme/guvenli/tok123", resp.IframeURL)
		assert.Equal(t, "ORD1", resp.OrderUID)

		order, exists, _ := orderStore.Get(c, "ORD1")
		assert.True(t, exists)
		assert.Equal(t, OrderStatusPending, order.Status)
		assert.Equal(t, int64(9900), order.AmountInCents)
		assert.Equal(t, 30, order.PeriodDays)
	})

	t.Run("Amount with fractional cents", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		_, router, _, _, _, _, _ := setup(t, ctrl)

		// given
		values := url.Values{}
		for k, v := range checkoutForm {
			values[k] = v
		}
		values.Set("amount", "99.001")

		// when
		response := postCheckout(t, router, values)

		// then
		assert.Equal(t, 400, response.Code)
	})

	t.Run("Missing field", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		_, router, _, _, _, _, _ := setup(t, ctrl)

		// given
		values := url.Values{}
		for k, v := range checkoutForm {
			values[k] = v
		}
		values.Del("email")

		// when
		response := postCheckout(t, router, values)

		// then
		assert.Equal(t, 400, response.Code)
	})

	t.Run("Order already paid", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		c, router, orderStore, _, _, nower, _ := setup(t, ctrl)

		// given
		paid := pendingOrder()
		paid.Status = OrderStatusPaid
		_ = orderStore.Put(c, "ORD1", paid)
		nower.EXPECT().Now().Return(mytime.ExampleTime)

		// when
		response := postCheckout(t, router, checkoutForm)

		// then
		assert.Equal(t, 400, response.Code)
	})

	t.Run("PayTR unavailable", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// setup
		_, router, _, _, payer, nower, publisher := setup(t, ctrl)

		// given
		nower.EXPECT().Now().Return(mytime.ExampleTime)
		publisher.EXPECT().Publish(gomock.Any(), paymentevents.TopicName, gomock.Any()).Return(nil)
		payer.EXPECT().RequestToken(gomock.Any(), gomock.Any()).Return("", fmt.Errorf("connection refused"))

		// when
		response := postCheckout(t, router, checkoutForm)

		// then
		assert.Equal(t, 500, response.Code)
	})
}

func setup(t *testing.T, ctrl *gomock.Controller) (context.Context, *mux.Router, mystore.Store[Order], mystore.Store[Subscription], *MockPayer, *mytime.MockNower, *mypublisher.MockPublisher) {
	c := context.TODO()
	orderStore, _, err := mystore.NewInMemoryStore[Order](c)
	assert.NoError(t, err)
	subscriptionStore, _, err := mystore.NewInMemoryStore[Subscription](c)
	assert.NoError(t, err)
	payer := NewMockPayer(ctrl)
	nower := mytime.NewMockNower(ctrl)
	publisher := mypublisher.NewMockPublisher(ctrl)

	sut, err := NewWebService(testConfig, payer, orderStore, subscriptionStore, nower, publisher)
	assert.NoError(t, err)
	router := mux.NewRouter()

	// Called by the following call to RegisterEndpoints
	publisher.EXPECT().CreateTopic(c, paymentevents.TopicName).Return(nil)

	err = sut.RegisterEndpoints(c, router)
	assert.NoError(t, err)

	return c, router, orderStore, subscriptionStore, payer, nower, publisher
}
