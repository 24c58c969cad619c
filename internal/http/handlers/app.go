package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"batchgen/internal/dispatch"
	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/progress"
	"batchgen/internal/stream"
)

// App is the handler container wiring the HTTP surface to the orchestration
// core.
type App struct {
	Dispatcher *dispatch.Dispatcher
	Store      progress.Store
	Gateway    *stream.Gateway
	Logger     infra.Logger
}

func NewApp(dispatcher *dispatch.Dispatcher, store progress.Store, gateway *stream.Gateway, logger *infra.Logger) *App {
	l := infra.Logger(zerolog.New(io.Discard))
	if logger != nil {
		l = *logger
	}
	return &App{Dispatcher: dispatcher, Store: store, Gateway: gateway, Logger: l}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) jsonError(w http.ResponseWriter, code int, message string) {
	a.json(w, code, map[string]string{"error": message})
}

// fail maps domain errors onto status codes.
func (a *App) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.jsonError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrEmptyBatch),
		errors.Is(err, domain.ErrBatchTooLarge),
		errors.Is(err, domain.ErrDuplicateItem):
		a.jsonError(w, http.StatusBadRequest, err.Error())
	default:
		a.Logger.Error().Err(err).Msg("handlers: internal error")
		a.jsonError(w, http.StatusInternalServerError, "internal error")
	}
}
