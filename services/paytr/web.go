package paytr

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/MarcGrol/callconsole/lib/mycontext"
	"github.com/MarcGrol/callconsole/lib/myerrors"
	"github.com/MarcGrol/callconsole/lib/myhttp"
	"github.com/MarcGrol/callconsole/lib/mylog"
	"github.com/MarcGrol/callconsole/lib/mypublisher"
	"github.com/MarcGrol/callconsole/lib/mystore"
	"github.com/MarcGrol/callconsole/lib/mytime"
)

const callbackAcknowledgement = "OK"

type webService struct {
	logger  mylog.Logger
	service *service
}

// Use dependency injection to isolate the infrastructure and easy testing
func NewWebService(cfg Config, payer Payer, orderStore mystore.Store[Order], subscriptionStore mystore.Store[Subscription], nower mytime.Nower, publisher mypublisher.Publisher) (*webService, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	logger := mylog.New("paytr")
	return &webService{
		logger:  logger,
		service: newService(cfg, payer, orderStore, subscriptionStore, nower, logger, publisher),
	}, nil
}

func (s *webService) RegisterEndpoints(c context.Context, router *mux.Router) error {
	router.HandleFunc("/paytr/checkout/{orderUID}", s.startCheckoutPage()).Methods("POST")

	// Server-to-server notification called by PayTR, retried until it receives OK
	router.HandleFunc("/paytr/callback", s.callbackPage()).Methods("POST")

	err := s.service.CreateTopics(c)
	if err != nil {
		return err
	}

	return nil
}

func (s *webService) startCheckoutPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		errorWriter := myhttp.NewWriter(s.logger)

		orderUID := mux.Vars(r)["orderUID"]

		req := CheckoutRequest{}
		err := decodeForm(r, &req)
		if err != nil {
			errorWriter.WriteError(c, w, 1, myerrors.NewInvalidInputError(fmt.Errorf("error parsing request: %s", err)))
			return
		}

		resp, err := s.service.startCheckout(c, orderUID, myhttp.ClientIP(r), req)
		if err != nil {
			errorWriter.WriteError(c, w, 2, err)
			return
		}

		errorWriter.Write(c, w, http.StatusOK, resp)
	}
}

// callbackPage answers OK whatever happens, otherwise PayTR keeps retrying
func (s *webService) callbackPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		writer := myhttp.NewWriter(s.logger)

		defer func() {
			if p := recover(); p != nil {
				s.logger.Log(c, "", mylog.SeverityError, "Recovered from panic while processing callback: %v", p)
			}
			writer.WriteText(c, w, http.StatusOK, callbackAcknowledgement)
		}()

		notification := PaymentNotification{}
		err := decodeForm(r, &notification)
		if err != nil {
			s.logger.Log(c, "", mylog.SeverityWarn, "Malformed callback ignored: %s", err)
			return
		}

		err = s.service.verifyAndProcess(c, notification)
		if err != nil {
			s.logger.Log(c, notification.MerchantOID, severityOf(err), "Callback for order %q not applied: %s", notification.MerchantOID, err)
			return
		}
	}
}

func severityOf(err error) mylog.Severity {
	switch myerrors.GetHTTPStatus(err) {
	case http.StatusForbidden:
		return mylog.SeverityAlert
	case http.StatusBadRequest, http.StatusNotFound:
		return mylog.SeverityWarn
	default:
		return mylog.SeverityError
	}
}
