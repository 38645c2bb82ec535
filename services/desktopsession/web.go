package desktopsession

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/MarcGrol/callconsole/lib/mycontext"
	"github.com/MarcGrol/callconsole/lib/myerrors"
	"github.com/MarcGrol/callconsole/lib/myhttp"
	"github.com/MarcGrol/callconsole/lib/mylog"
)

const maxSessionBodySize = 64 * 1024

// webService is the only way the user-interface reaches the session store.
// It exposes save, get and clear and nothing else.
type webService struct {
	logger          mylog.Logger
	store           SessionStore
	capabilityToken string
}

func NewWebService(store SessionStore, capabilityToken string, logger mylog.Logger) (*webService, error) {
	if capabilityToken == "" {
		return nil, myerrors.NewInvalidInputErrorf("missing capability token")
	}
	return &webService{
		logger:          logger,
		store:           store,
		capabilityToken: capabilityToken,
	}, nil
}

func (s *webService) RegisterEndpoints(c context.Context, router *mux.Router) {
	router.HandleFunc("/auth/session", s.authorized(s.saveSessionPage())).Methods("POST")
	router.HandleFunc("/auth/session", s.authorized(s.getSessionPage())).Methods("GET")
	router.HandleFunc("/auth/session", s.authorized(s.clearSessionPage())).Methods("DELETE")
}

func (s *webService) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)

		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(token), []byte(s.capabilityToken)) != 1 {
			myhttp.NewWriter(s.logger).WriteError(c, w, 1, myerrors.NewAuthenticationError(errMissingCapability))
			return
		}

		next(w, r)
	}
}

func (s *webService) saveSessionPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)
		writer := myhttp.NewWriter(s.logger)

		session := StoredSession{}
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSessionBodySize)).Decode(&session)
		if err != nil {
			s.logger.Log(c, "", mylog.SeverityWarn, "Malformed session ignored: %s", err)
			writer.Write(c, w, http.StatusOK, successResponse{Success: false})
			return
		}

		writer.Write(c, w, http.StatusOK, successResponse{
			Success: s.store.SaveSession(c, session),
		})
	}
}

func (s *webService) getSessionPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)

		// a missing session is encoded as null
		myhttp.NewWriter(s.logger).Write(c, w, http.StatusOK, s.store.GetSession(c))
	}
}

func (s *webService) clearSessionPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := mycontext.ContextFromHTTPRequest(r)

		myhttp.NewWriter(s.logger).Write(c, w, http.StatusOK, successResponse{
			Success: s.store.ClearSession(c),
		})
	}
}
