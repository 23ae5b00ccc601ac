package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/rs/zerolog"

	"dreambot/internal/conversation"
	"dreambot/internal/dispatcher"
	"dreambot/internal/domain"
	"dreambot/internal/infra"
	"dreambot/internal/supervisor"
)

// Dispatcher is the command side of the bot role.
type Dispatcher interface {
	Submit(ctx context.Context, requester domain.Requester, params domain.DreamParams) ([]*domain.Job, error)
	Info(ctx context.Context) (dispatcher.Info, error)
	Cancel(ctx context.Context) (int, error)
	RequestUpscale(ctx context.Context, requester domain.Requester, filename string, anime bool) (string, error)
}

// Artifacts reads stored images back for download.
type Artifacts interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

type App struct {
	Dispatcher Dispatcher
	Threads    *conversation.Store
	Artifacts  Artifacts
	Processes  *supervisor.Registry
	Logger     infra.Logger
}

func NewApp(d Dispatcher, threads *conversation.Store, artifacts Artifacts, processes *supervisor.Registry, logger infra.Logger) *App {
	return &App{Dispatcher: d, Threads: threads, Artifacts: artifacts, Processes: processes, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]errorDetail{"error": {Code: errCode, Message: message}})
}

// fail maps a domain error onto a status code and logs server-side faults.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, domain.ErrInvalidParams):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownArtifact), errors.Is(err, fs.ErrNotExist):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	default:
		a.logger(r).Error().Err(err).Msg(message)
		a.error(w, http.StatusInternalServerError, "internal", message)
	}
}

// logger prefers the request-scoped logger installed by the access log
// middleware.
func (a *App) logger(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &a.Logger
}
