package warmup

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/MarcGrol/callconsole/lib/mycontext"
	"github.com/MarcGrol/callconsole/lib/myerrors"
	"github.com/MarcGrol/callconsole/lib/myhttp"
	"github.com/MarcGrol/callconsole/lib/mylog"
	"github.com/MarcGrol/callconsole/lib/mystore"
)

const warmupUID = "warmup"

type webService struct {
	logger mylog.Logger
	ping   func(c context.Context) error
}

// NewService opens the connection of the given store before real traffic arrives
func NewService[T any](store mystore.Store[T]) *webService {
	return &webService{
		logger: mylog.New("warmup"),
		ping: func(c context.Context) error {
			_, _, err := store.Get(c, warmupUID)
			return err
		},
	}
}

func (s *webService) RegisterEndpoints(c context.Context, router *mux.Router) {
	router.HandleFunc("/_ah/warmup", s.warmupPage()).Methods("GET")
}

func (s *webService) warmupPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		errorWriter := myhttp.NewWriter(s.logger)

		err := s.ping(c)
		if err != nil {
			errorWriter.WriteError(c, w, 1, myerrors.NewUnavailableError(err))
			return
		}

		errorWriter.Write(c, w, http.StatusOK, myhttp.SuccessResponse{
			Message: "Warmed up",
		})
	}
}
