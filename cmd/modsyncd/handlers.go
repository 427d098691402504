package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/modsync/src/events"
	"github.com/danmuck/modsync/src/finder"
	"github.com/danmuck/modsync/src/module"
	"github.com/danmuck/modsync/src/module_store"
	logs "github.com/danmuck/smplog"
)

const maxUploadSize = 256 << 20

type publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

type api struct {
	store    *module_store.Store
	bus      publisher
	registry *finder.Registry
}

func newAPI(store *module_store.Store, bus publisher, registry *finder.Registry) *api {
	return &api{store: store, bus: bus, registry: registry}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /modules/{type}/{name}", a.handleUpload)
	mux.HandleFunc("DELETE /modules/{id}", a.handleDelete)
	mux.HandleFunc("GET /modules/loaded", a.handleLoaded)
	mux.HandleFunc("GET /modules/{id}", a.handleGet)
	mux.HandleFunc("GET /modules", a.handleList)
	return mux
}

type stateResponse struct {
	NodeID       string    `json:"node_id"`
	State        string    `json:"state"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Updated      time.Time `json:"updated"`
}

type moduleResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	FileName  string          `json:"file_name"`
	Digest    string          `json:"digest"`
	Size      int64           `json:"size"`
	State     string          `json:"state"` // this node
	Error     string          `json:"error,omitempty"`
	Nodes     []stateResponse `json:"nodes,omitempty"`
	Modified  time.Time       `json:"modified"`
	Operation string          `json:"operation,omitempty"`
}

func (a *api) describe(ctx context.Context, rec *module.Record) moduleResponse {
	resp := moduleResponse{
		ID:       string(rec.ID),
		Name:     rec.Name,
		Type:     rec.Type.String(),
		FileName: rec.FileName(),
		Digest:   rec.Digest,
		Size:     rec.Size,
		Modified: rec.Modified,
	}
	ns, err := a.store.FindStateForCurrentNode(ctx, rec)
	if err == nil {
		resp.State = module.StateOf(ns).String()
		if ns != nil {
			resp.Error = ns.ErrorMessage
		}
	}
	for _, s := range a.store.States(rec.ID) {
		resp.Nodes = append(resp.Nodes, stateResponse{
			NodeID:       s.NodeID,
			State:        s.State.String(),
			ErrorMessage: s.ErrorMessage,
			Updated:      s.Updated,
		})
	}
	return resp
}

func (a *api) handleUpload(w http.ResponseWriter, r *http.Request) {
	t, err := module.ParseType(r.PathValue("type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "missing module name", http.StatusBadRequest)
		return
	}
	fileName := r.URL.Query().Get("file")
	if fileName == "" {
		fileName = name + ".jar"
	}

	rec, op, err := a.store.Save(r.Context(), module_store.Upload{
		Name:     name,
		Type:     t,
		FileName: fileName,
		Content:  http.MaxBytesReader(w, r.Body, maxUploadSize),
	})
	if err != nil {
		http.Error(w, err.Error(), uploadStatus(err))
		return
	}
	a.publish(r.Context(), events.Changed(rec.ID, op))

	resp := a.describe(r.Context(), rec)
	resp.Operation = op.String()
	status := http.StatusOK
	if op == events.OpCreate {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func uploadStatus(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, module_store.ErrDuplicateDigest), errors.Is(err, module_store.ErrDuplicateFileName):
		return http.StatusConflict
	case errors.Is(err, module_store.ErrEmptyContent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := module.ID(r.PathValue("id"))
	if _, err := a.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, module.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.publish(r.Context(), events.Changed(id, events.OpDelete))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.FindByPrimaryKey(r.Context(), module.ID(r.PathValue("id")))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.describe(r.Context(), rec))
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	records := a.store.List()
	entries := make([]moduleResponse, len(records))
	for i, rec := range records {
		entries[i] = a.describe(r.Context(), rec)
	}
	writeJSON(w, http.StatusOK, entries)
}

type loadedResponse struct {
	FileName string    `json:"file_name"`
	Type     string    `json:"type"`
	Digest   string    `json:"digest"`
	LoaderID string    `json:"loader_id"`
	Classes  int       `json:"classes"`
	Packages []string  `json:"packages"`
	LoadedAt time.Time `json:"loaded_at"`
}

func (a *api) handleLoaded(w http.ResponseWriter, r *http.Request) {
	loaded := a.registry.LoadedModules()
	entries := make([]loadedResponse, len(loaded))
	for i, m := range loaded {
		entries[i] = loadedResponse{
			FileName: m.FileName,
			Type:     m.Type.String(),
			Digest:   m.Digest,
			LoaderID: m.LoaderID,
			Classes:  len(m.Classes),
			Packages: m.Packages,
			LoadedAt: m.LoadedAt,
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

// publish notifies the listener. The change is already stored, so a failed
// publish only delays this node until its next startup scan.
func (a *api) publish(ctx context.Context, ev events.Event) {
	if err := a.bus.Publish(ctx, ev); err != nil {
		logs.Warnf("failed to publish %s: %v", ev, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logs.Debugf("writeJSON(): %v", err)
	}
}
