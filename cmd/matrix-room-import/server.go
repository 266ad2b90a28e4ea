package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bdvil/matrix-room-import/internal/constants"
	"github.com/bdvil/matrix-room-import/internal/middleware"
	"github.com/bdvil/matrix-room-import/internal/models"
	"github.com/bdvil/matrix-room-import/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is the inbound application-service API: the transaction
// webhook the homeserver pushes events to, plus ping, health and
// metrics endpoints.
type Server struct {
	router     *mux.Router
	logger     *logrus.Logger
	cfg        *models.Config
	dispatcher *service.Dispatcher
	server     *http.Server
}

func NewServer(cfg *models.Config, dispatcher *service.Dispatcher, logger *logrus.Logger) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		logger:     logger,
		cfg:        cfg,
		dispatcher: dispatcher,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", metricsHandler()).Methods(http.MethodGet)

	app := s.router.PathPrefix("/_matrix/app/v1").Subrouter()
	app.HandleFunc("/transactions/{txnId}", s.handleTransaction()).Methods(http.MethodPut)
	app.HandleFunc("/ping", s.handlePing()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	port := s.cfg.Port
	if port == 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting server on port %d", port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// authorized checks the Bearer token the homeserver was configured to
// send. Constant-time comparison keeps the token unguessable through
// timing.
func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.HSToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleTransaction is the transaction webhook. A replayed transaction
// id is acknowledged without reprocessing; a dispatch failure leaves
// the id unrecorded so the homeserver retries the whole transaction.
func (s *Server) handleTransaction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"errcode": "M_FORBIDDEN",
			})
			return
		}

		txnID := mux.Vars(r)["txnId"]
		if s.dispatcher.AlreadyHandled(txnID) {
			s.logger.WithField("txnId", txnID).Debug("Transaction already handled")
			writeJSON(w, http.StatusOK, map[string]string{})
			return
		}

		var txn models.Transaction
		if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
			s.logger.WithError(err).WithField("txnId", txnID).Warn("Malformed transaction body")
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"errcode": "M_BAD_JSON",
			})
			return
		}

		if err := s.dispatcher.Dispatch(r.Context(), txnID, &txn); err != nil {
			s.logger.WithError(err).WithField("txnId", txnID).Error("Failed to dispatch transaction")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"errcode": "M_UNKNOWN",
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{})
	}
}

func (s *Server) handlePing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"errcode": "M_FORBIDDEN",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.WithError(err).Warn("Failed to write health response")
		}
	}
}
