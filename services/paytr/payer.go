package paytr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/MarcGrol/callconsole/lib/myerrors"
	"github.com/MarcGrol/callconsole/lib/myhttpclient"
)

//go:generate mockgen -source=payer.go -package paytr -destination payer_mock.go Payer
type Payer interface {
	RequestToken(c context.Context, req TokenRequest) (string, error)
}

type paytrPayer struct {
	apiURL     string
	httpClient myhttpclient.HTTPSender
}

func NewPayer(cfg Config, httpClient myhttpclient.HTTPSender) Payer {
	return &paytrPayer{
		apiURL:     cfg.apiURL(),
		httpClient: httpClient,
	}
}

func (p *paytrPayer) RequestToken(c context.Context, req TokenRequest) (string, error) {
	status, respBody, err := p.httpClient.SendForm(c, p.apiURL, tokenRequestValues(req))
	if err != nil {
		return "", myerrors.NewUnavailableError(fmt.Errorf("error requesting paytr token for order %s: %s", req.MerchantOID, err))
	}
	if status != http.StatusOK {
		return "", myerrors.NewUnavailableError(fmt.Errorf("error requesting paytr token for order %s: http-status %d", req.MerchantOID, status))
	}

	resp := tokenResponse{}
	err = json.Unmarshal(respBody, &resp)
	if err != nil {
		return "", myerrors.NewInternalError(fmt.Errorf("error parsing paytr token response: %s", err))
	}
	if resp.Status != statusSuccess || resp.Token == "" {
		return "", myerrors.NewInvalidInputError(fmt.Errorf("paytr refused token for order %s: %s", req.MerchantOID, resp.Reason))
	}

	return resp.Token, nil
}

func tokenRequestValues(req TokenRequest) url.Values {
	return url.Values{
		"merchant_id":       {req.MerchantID},
		"user_ip":           {req.UserIP},
		"merchant_oid":      {req.MerchantOID},
		"email":             {req.Email},
		"payment_amount":    {strconv.FormatInt(req.PaymentAmount, 10)},
		"paytr_token":       {req.Token},
		"user_basket":       {req.UserBasket},
		"debug_on":          {boolFlag(req.TestMode)},
		"no_installment":    {strconv.Itoa(req.NoInstallment)},
		"max_installment":   {strconv.Itoa(req.MaxInstallment)},
		"user_name":         {req.UserName},
		"user_address":      {req.UserAddress},
		"user_phone":        {req.UserPhone},
		"merchant_ok_url":   {req.OKURL},
		"merchant_fail_url": {req.FailURL},
		"timeout_limit":     {strconv.Itoa(req.TimeoutMinutes)},
		"currency":          {req.Currency},
		"test_mode":         {boolFlag(req.TestMode)},
	}
}
