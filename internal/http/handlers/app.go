// Package handlers implements the public HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/events"
	"productshot/internal/infra"
	"productshot/internal/jobs"
	"productshot/internal/ledger"
	"productshot/internal/middleware"
	"productshot/internal/pricing"
	"productshot/internal/storage"
)

const (
	defaultWaitInterval = 2 * time.Second
	defaultWaitTimeout  = 30 * time.Second
	wsWriteTimeout      = 10 * time.Second
	wsPingInterval      = 30 * time.Second
)

// App holds the services behind the API.
type App struct {
	DB        infra.SQLExecutor
	Jobs      *jobs.Service
	Ledger    *ledger.Ledger
	Prices    *pricing.Source
	JobHub    *events.Hub[domain.JobSnapshot]
	CreditHub *events.Hub[domain.BalanceEvent]
	Store     *storage.FileStore
	Logger    zerolog.Logger

	WaitInterval   time.Duration
	WaitMaxTimeout time.Duration
	AllowedOrigins []string
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, r *http.Request, code int, errCode string) {
	middleware.WriteError(w, r, code, errCode)
}

// fail maps a service error onto the error envelope.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, r, http.StatusPaymentRequired, middleware.CodeInsufficientCredits)
	case errors.Is(err, domain.ErrInvalidPayload):
		a.Logger.Debug().Err(err).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("api: invalid payload")
		a.error(w, r, http.StatusBadRequest, middleware.CodeInvalidPayload)
	case errors.Is(err, pricing.ErrUnknownPrice):
		a.error(w, r, http.StatusBadRequest, middleware.CodeUnknownPrice)
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, r, http.StatusNotFound, middleware.CodeNotFound)
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, r, http.StatusUnauthorized, middleware.CodeUnauthorized)
	default:
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("api: request failed")
		a.error(w, r, http.StatusInternalServerError, middleware.CodeInternal)
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

func (a *App) waitInterval() time.Duration {
	if a.WaitInterval > 0 {
		return a.WaitInterval
	}
	return defaultWaitInterval
}

func (a *App) waitMaxTimeout() time.Duration {
	if a.WaitMaxTimeout > 0 {
		return a.WaitMaxTimeout
	}
	return defaultWaitTimeout
}

func (a *App) upgrader() *websocket.Upgrader {
	allow := make(map[string]bool, len(a.AllowedOrigins))
	for _, o := range a.AllowedOrigins {
		allow[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allow["*"] || allow[origin]
		},
	}
}
