package paytr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarcGrol/callconsole/lib/myerrors"
	"github.com/MarcGrol/callconsole/lib/mylog"
	"github.com/MarcGrol/callconsole/lib/mypublisher"
	"github.com/MarcGrol/callconsole/lib/mystore"
	"github.com/MarcGrol/callconsole/lib/mytime"
	"github.com/MarcGrol/callconsole/services/paymentevents"
)

const (
	providerName          = "paytr"
	defaultCurrency       = "TL"
	checkoutTimeoutMinute = 30
)

type service struct {
	cfg               Config
	payer             Payer
	orderStore        mystore.Store[Order]
	subscriptionStore mystore.Store[Subscription]
	nower             mytime.Nower
	logger            mylog.Logger
	publisher         mypublisher.Publisher
}

// Use dependency injection to isolate the infrastructure and easy testing
func newService(cfg Config, payer Payer, orderStore mystore.Store[Order], subscriptionStore mystore.Store[Subscription], nower mytime.Nower, logger mylog.Logger, publisher mypublisher.Publisher) *service {
	return &service{
		cfg:               cfg,
		payer:             payer,
		orderStore:        orderStore,
		subscriptionStore: subscriptionStore,
		nower:             nower,
		logger:            logger,
		publisher:         publisher,
	}
}

func (s *service) CreateTopics(c context.Context) error {
	err := s.publisher.CreateTopic(c, paymentevents.TopicName)
	if err != nil {
		return fmt.Errorf("error creating topic %s: %s", paymentevents.TopicName, err)
	}

	return nil
}

// startCheckout obtains an iframe token from PayTR and records the pending order
func (s *service) startCheckout(c context.Context, orderUID string, userIP string, req CheckoutRequest) (CheckoutResponse, error) {
	s.logger.Log(c, orderUID, mylog.SeverityInfo, "Start checkout for order %s", orderUID)

	amountInCents, err := validateCheckoutRequest(orderUID, req)
	if err != nil {
		return CheckoutResponse{}, err
	}
	if req.Currency == "" {
		req.Currency = defaultCurrency
	}

	basket, err := userBasket(req.PlanUID, amountInCents)
	if err != nil {
		return CheckoutResponse{}, myerrors.NewInternalError(err)
	}

	tokenReq := TokenRequest{
		MerchantID:     s.cfg.MerchantID,
		UserIP:         userIP,
		MerchantOID:    orderUID,
		Email:          req.Email,
		PaymentAmount:  amountInCents,
		UserBasket:     basket,
		NoInstallment:  1,
		MaxInstallment: 0,
		Currency:       req.Currency,
		TestMode:       s.cfg.TestMode,
		UserName:       req.UserName,
		UserAddress:    req.UserAddress,
		UserPhone:      req.UserPhone,
		OKURL:          req.OKURL,
		FailURL:        req.FailURL,
		TimeoutMinutes: checkoutTimeoutMinute,
	}
	tokenReq.Token = tokenSignature(s.cfg.MerchantKey, s.cfg.MerchantSalt, tokenReq)

	now := s.nower.Now()

	err = s.orderStore.RunInTransaction(c, func(c context.Context) error {
		existing, found, err := s.orderStore.Get(c, orderUID)
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error fetching order %s: %s", orderUID, err))
		}
		if found && existing.Status == OrderStatusPaid {
			return myerrors.NewInvalidInputError(fmt.Errorf("order %s has already been paid", orderUID))
		}

		err = s.orderStore.Put(c, orderUID, Order{
			UID:           orderUID,
			UserUID:       req.UserUID,
			PlanUID:       req.PlanUID,
			PeriodDays:    req.PeriodDays,
			AmountInCents: amountInCents,
			Currency:      req.Currency,
			Email:         req.Email,
			Status:        OrderStatusPending,
			CreatedAt:     now,
		})
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error storing order %s: %s", orderUID, err))
		}

		err = s.publisher.Publish(c, paymentevents.TopicName, paymentevents.PaymentStarted{
			ProviderName:  providerName,
			OrderUID:      orderUID,
			UserUID:       req.UserUID,
			PlanUID:       req.PlanUID,
			AmountInCents: amountInCents,
			Currency:      req.Currency,
		})
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error publishing event: %s", err))
		}

		return nil
	})
	if err != nil {
		return CheckoutResponse{}, err
	}

	// The order must exist before PayTR can call back for it
	token, err := s.payer.RequestToken(c, tokenReq)
	if err != nil {
		return CheckoutResponse{}, err
	}

	return CheckoutResponse{
		OrderUID:  orderUID,
		IframeURL: iframeURLPrefix + token,
	}, nil
}

func validateCheckoutRequest(orderUID string, req CheckoutRequest) (int64, error) {
	if orderUID == "" || req.UserUID == "" || req.PlanUID == "" || req.Email == "" ||
		req.UserName == "" || req.UserAddress == "" || req.UserPhone == "" ||
		req.OKURL == "" || req.FailURL == "" {
		return 0, myerrors.NewInvalidInputErrorf("missing mandatory field")
	}
	if req.PeriodDays <= 0 {
		return 0, myerrors.NewInvalidInputErrorf("invalid period %d", req.PeriodDays)
	}
	_, err := mail.ParseAddress(req.Email)
	if err != nil {
		return 0, myerrors.NewInvalidInputErrorf("invalid email %q", req.Email)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return 0, myerrors.NewInvalidInputErrorf("invalid amount %q: %s", req.Amount, err)
	}
	cents := amount.Shift(2)
	if !cents.IsPositive() || !cents.Equal(cents.Truncate(0)) {
		return 0, myerrors.NewInvalidInputErrorf("invalid amount %q", req.Amount)
	}

	return cents.IntPart(), nil
}

// userBasket is the base64 encoded json list of [name, unit-price, quantity] PayTR expects
func userBasket(planUID string, amountInCents int64) (string, error) {
	basket := [][]any{
		{planUID, decimal.New(amountInCents, -2).StringFixed(2), 1},
	}
	jsonBytes, err := json.Marshal(basket)
	if err != nil {
		return "", fmt.Errorf("error marshalling basket: %s", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// verifyAndProcess applies a PayTR notification at most once.
// The returned error only classifies what happened; the caller acknowledges regardless.
func (s *service) verifyAndProcess(c context.Context, notification PaymentNotification) error {
	orderUID := notification.MerchantOID

	expected := callbackSignature(s.cfg.MerchantKey, s.cfg.MerchantSalt, notification)
	if !signatureMatches(expected, notification.Hash) {
		return myerrors.NewAuthenticationError(fmt.Errorf("signature mismatch on callback for order %q", orderUID))
	}

	if notification.Status != statusSuccess {
		s.logger.Log(c, orderUID, mylog.SeverityInfo, "Payment for order %s failed: status:%s code:%s msg:%s",
			orderUID, notification.Status, notification.FailedReasonCode, notification.FailedReasonMsg)
		return nil
	}

	c, cancel := context.WithTimeout(c, s.cfg.callbackTimeout())
	defer cancel()

	now := s.nower.Now()

	return s.orderStore.RunInTransaction(c, func(c context.Context) error {
		order, found, err := s.orderStore.Get(c, orderUID)
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error fetching order %s: %s", orderUID, err))
		}
		if !found {
			return myerrors.NewNotFoundError(fmt.Errorf("order %s not found", orderUID))
		}
		if order.Status == OrderStatusPaid {
			s.logger.Log(c, orderUID, mylog.SeverityInfo, "Order %s already paid: ignoring repeated notification", orderUID)
			return nil
		}

		s.checkPaidAmount(c, order, notification.TotalAmount)

		subscription, _, err := s.subscriptionStore.Get(c, order.UserUID)
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error fetching subscription of user %s: %s", order.UserUID, err))
		}
		subscription = extendSubscription(subscription, order, now)

		err = s.subscriptionStore.Put(c, order.UserUID, subscription)
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error storing subscription of user %s: %s", order.UserUID, err))
		}

		order.Status = OrderStatusPaid
		order.PaidAt = &now
		order.PaidAmount = notification.TotalAmount
		order.LastModified = &now
		err = s.orderStore.Put(c, orderUID, order)
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error storing order %s: %s", orderUID, err))
		}

		err = s.publisher.Publish(c, paymentevents.TopicName, paymentevents.SubscriptionActivated{
			ProviderName: providerName,
			OrderUID:     orderUID,
			UserUID:      order.UserUID,
			PlanUID:      order.PlanUID,
			PaidAmount:   notification.TotalAmount,
			ActiveUntil:  subscription.ActiveUntil,
		})
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error publishing event: %s", err))
		}

		s.logger.Log(c, orderUID, mylog.SeverityInfo, "Order %s paid: subscription of user %s active until %s", orderUID, order.UserUID, subscription.ActiveUntil.Format(time.RFC3339))

		return nil
	})
}

func (s *service) checkPaidAmount(c context.Context, order Order, totalAmount string) {
	paid, err := decimal.NewFromString(totalAmount)
	if err != nil {
		s.logger.Log(c, order.UID, mylog.SeverityWarn, "Unparsable paid amount %q for order %s", totalAmount, order.UID)
		return
	}
	if !paid.Equal(decimal.NewFromInt(order.AmountInCents)) {
		s.logger.Log(c, order.UID, mylog.SeverityWarn, "Paid amount %s differs from order amount %d for order %s", paid, order.AmountInCents, order.UID)
	}
}

// extendSubscription adds the ordered period to whatever is left of the current subscription
func extendSubscription(subscription Subscription, order Order, now time.Time) Subscription {
	start := now
	if subscription.ActiveUntil.After(now) {
		start = subscription.ActiveUntil
	}

	subscription.UserUID = order.UserUID
	subscription.PlanUID = order.PlanUID
	subscription.ActiveUntil = start.AddDate(0, 0, order.PeriodDays)
	subscription.LastOrderUID = order.UID
	subscription.LastModified = &now

	return subscription
}
