package paytr

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	formcodec "github.com/go-playground/form/v4"

	"github.com/MarcGrol/callconsole/lib/myerrors"
)

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusPaid    OrderStatus = "paid"

	statusSuccess = "success"
)

type Order struct {
	UID           string
	UserUID       string
	PlanUID       string
	PeriodDays    int
	AmountInCents int64
	Currency      string
	Email         string
	Status        OrderStatus
	CreatedAt     time.Time
	LastModified  *time.Time
	PaidAt        *time.Time
	PaidAmount    string
}

type Subscription struct {
	UserUID      string
	PlanUID      string
	ActiveUntil  time.Time
	LastOrderUID string
	LastModified *time.Time
}

// PaymentNotification is the form PayTR posts to the callback url
type PaymentNotification struct {
	MerchantOID      string `form:"merchant_oid"`
	Status           string `form:"status"`
	TotalAmount      string `form:"total_amount"`
	Hash             string `form:"hash"`
	FailedReasonCode string `form:"failed_reason_code"`
	FailedReasonMsg  string `form:"failed_reason_msg"`
	PaymentType      string `form:"payment_type"`
	Currency         string `form:"currency"`
}

type CheckoutRequest struct {
	UserUID     string `form:"userUid"`
	Email       string `form:"email"`
	PlanUID     string `form:"planUid"`
	PeriodDays  int    `form:"periodDays"`
	Amount      string `form:"amount"`
	Currency    string `form:"currency"`
	UserName    string `form:"userName"`
	UserAddress string `form:"userAddress"`
	UserPhone   string `form:"userPhone"`
	OKURL       string `form:"okUrl"`
	FailURL     string `form:"failUrl"`
}

type CheckoutResponse struct {
	OrderUID  string `json:"orderUid"`
	IframeURL string `json:"iframeUrl"`
}

// TokenRequest carries every field of the get-token call, including the signature over them
type TokenRequest struct {
	MerchantID     string
	UserIP         string
	MerchantOID    string
	Email          string
	PaymentAmount  int64
	UserBasket     string
	NoInstallment  int
	MaxInstallment int
	Currency       string
	TestMode       bool
	UserName       string
	UserAddress    string
	UserPhone      string
	OKURL          string
	FailURL        string
	TimeoutMinutes int
	Token          string
}

type tokenResponse struct {
	Status string `json:"status"`
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

func decodeForm(r *http.Request, target any) error {
	err := r.ParseForm()
	if err != nil {
		return myerrors.NewInvalidInputError(err)
	}
	return decodeValues(r.Form, target)
}

func decodeValues(values url.Values, target any) error {
	err := formcodec.NewDecoder().Decode(target, values)
	if err != nil {
		return myerrors.NewInvalidInputError(fmt.Errorf("error decoding form: %s", err))
	}
	return nil
}
