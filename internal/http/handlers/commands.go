package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"dreambot/internal/conversation"
	"dreambot/internal/dispatcher"
	"dreambot/internal/domain"
	"dreambot/internal/middleware"
	"dreambot/internal/supervisor"
)

type dreamUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type dreamRequest struct {
	domain.DreamParams
	User dreamUser `json:"user"`
}

type dreamResponse struct {
	ThreadID       string   `json:"thread_id"`
	JobIDs         []string `json:"job_ids"`
	Acknowledgment string   `json:"acknowledgment"`
}

// Dream opens a conversation thread for the requester and queues one job per
// iteration into it.
func (a *App) Dream(w http.ResponseWriter, r *http.Request) {
	req := dreamRequest{DreamParams: domain.DefaultDreamParams()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if strings.TrimSpace(req.User.ID) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "user.id required")
		return
	}

	thread := a.Threads.Open(domain.RequesterInfo{
		UserID:   req.User.ID,
		UserName: req.User.Name,
		Country:  middleware.CountryFromContext(r.Context()),
		Locale:   middleware.LocaleFromContext(r.Context()),
	})
	jobs, err := a.Dispatcher.Submit(r.Context(), thread, req.DreamParams)
	if err != nil && len(jobs) == 0 {
		a.Threads.Remove(thread.ID())
		a.fail(w, r, err, "failed to queue dream")
		return
	}
	if err != nil {
		a.logger(r).Warn().Err(err).Str("thread_id", thread.ID()).Int("queued", len(jobs)).Msg("handlers: dream partially queued")
	}

	resp := dreamResponse{ThreadID: thread.ID(), JobIDs: make([]string, 0, len(jobs))}
	for _, job := range jobs {
		resp.JobIDs = append(resp.JobIDs, job.ID)
	}
	for _, msg := range thread.Messages() {
		if msg.Kind == conversation.KindAcknowledgment {
			resp.Acknowledgment = msg.Text
			break
		}
	}
	a.json(w, http.StatusAccepted, resp)
}

type processView struct {
	supervisor.Process
	RoleLabel string `json:"role_label"`
}

type infoResponse struct {
	dispatcher.Info
	Processes []processView `json:"processes,omitempty"`
}

func (a *App) Info(w http.ResponseWriter, r *http.Request) {
	info, err := a.Dispatcher.Info(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to read queue status")
		return
	}
	resp := infoResponse{Info: info}
	if a.Processes != nil {
		title := cases.Title(language.English)
		for _, p := range a.Processes.Snapshot() {
			resp.Processes = append(resp.Processes, processView{Process: p, RoleLabel: title.String(p.Role)})
		}
	}
	a.json(w, http.StatusOK, resp)
}

func (a *App) Cancel(w http.ResponseWriter, r *http.Request) {
	n, err := a.Dispatcher.Cancel(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to cancel queued jobs")
		return
	}
	a.json(w, http.StatusOK, map[string]int{"cancelled": n})
}

type upscaleRequest struct {
	ThreadID string `json:"thread_id"`
	Filename string `json:"filename"`
	Anime    bool   `json:"anime"`
}

// Upscale queues a post-processing pass over an artifact; the result is
// attached to the thread once the upscaler reports it done.
func (a *App) Upscale(w http.ResponseWriter, r *http.Request) {
	var req upscaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.ThreadID == "" || strings.TrimSpace(req.Filename) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "thread_id and filename required")
		return
	}
	thread, ok := a.Threads.Get(req.ThreadID)
	if !ok || req.ThreadID == conversation.OperatorThreadID {
		a.error(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}
	id, err := a.Dispatcher.RequestUpscale(r.Context(), thread, req.Filename, req.Anime)
	if err != nil {
		a.fail(w, r, err, "failed to queue upscale")
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"request_id": id, "thread_id": thread.ID()})
}
