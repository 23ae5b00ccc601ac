package handlers

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"dreambot/internal/conversation"
	"dreambot/internal/domain"
	"dreambot/pkg/zip"
)

type threadResponse struct {
	ThreadID  string                 `json:"thread_id"`
	Requester domain.RequesterInfo   `json:"requester"`
	Messages  []conversation.Message `json:"messages"`
}

func (a *App) Thread(w http.ResponseWriter, r *http.Request) {
	thread, ok := a.Threads.Get(chi.URLParam(r, "thread_id"))
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}
	a.json(w, http.StatusOK, threadResponse{
		ThreadID:  thread.ID(),
		Requester: thread.Describe(),
		Messages:  thread.Messages(),
	})
}

// ThreadArchive zips every artifact attached to the thread. Artifacts that
// have gone missing from the output directory are skipped.
func (a *App) ThreadArchive(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	thread, ok := a.Threads.Get(threadID)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}
	attachments := thread.Attachments()
	if len(attachments) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "thread has no artifacts")
		return
	}
	var assets []zip.Asset
	for _, att := range attachments {
		data, err := a.Artifacts.Read(r.Context(), att.Name)
		if err != nil {
			a.logger(r).Warn().Err(err).Str("thread_id", threadID).Str("artifact", att.Name).Msg("handlers: skip missing artifact")
			continue
		}
		assets = append(assets, zip.Asset{Filename: att.Name, MIME: contentType(att.Name), Data: data})
	}
	archive, err := zip.ArchiveAssets(assets)
	if err != nil {
		a.fail(w, r, err, "failed to build archive")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=thread-%s.zip", thread.ID()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

// Artifact serves one stored image by name.
func (a *App) Artifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || strings.Contains(name, "..") {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid artifact name")
		return
	}
	data, err := a.Artifacts.Read(r.Context(), name)
	if err != nil {
		a.fail(w, r, err, "failed to read artifact")
		return
	}
	w.Header().Set("Content-Type", contentType(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(name)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
