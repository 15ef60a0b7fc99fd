package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/CrowderSoup/daily-todo/database"
	"github.com/CrowderSoup/daily-todo/tasks"
	"github.com/gorilla/mux"
)

const maxBodySize = 1 << 20

// TaskStore is the owner-scoped storage the task endpoints serve.
type TaskStore interface {
	List(ctx context.Context, ownerID string) ([]tasks.Task, error)
	Create(ctx context.Context, ownerID string, f tasks.Fields) (string, error)
	Patch(ctx context.Context, ownerID, id string, f tasks.Fields) error
	Delete(ctx context.Context, ownerID, id string) error
	BatchWrite(ctx context.Context, ownerID string, writes []tasks.Write) error
}

// TaskHandler handles the task endpoints
type TaskHandler struct {
	store  TaskStore
	logger *slog.Logger
}

func NewTaskHandler(store TaskStore, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{store: store, logger: logger}
}

type listResponse struct {
	Tasks []tasks.Record `json:"tasks"`
}

type createResponse struct {
	ID string `json:"id"`
}

type batchRequest struct {
	Writes []tasks.WriteRecord `json:"writes"`
}

// List returns every task of the user, archived ones included.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	email, ok := EmailFromContext(r.Context())
	if !ok {
		http.Error(w, "user not found", http.StatusUnauthorized)
		return
	}

	list, err := h.store.List(r.Context(), email)
	if err != nil {
		h.fail(w, "Failed to list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks.RecordsOf(list)})
}

// Create adds a task. Text is required; other fields take store defaults.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	email, ok := EmailFromContext(r.Context())
	if !ok {
		http.Error(w, "user not found", http.StatusUnauthorized)
		return
	}

	var req tasks.FieldsRecord
	if !decode(w, r, &req) {
		return
	}

	id, err := h.store.Create(r.Context(), email, req.Fields())
	if err != nil {
		h.fail(w, "Failed to create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: id})
}

// Patch applies a partial update to one task.
func (h *TaskHandler) Patch(w http.ResponseWriter, r *http.Request) {
	email, ok := EmailFromContext(r.Context())
	if !ok {
		http.Error(w, "user not found", http.StatusUnauthorized)
		return
	}

	var req tasks.FieldsRecord
	if !decode(w, r, &req) {
		return
	}
	f := req.Fields()
	if f.Empty() {
		http.Error(w, "No fields to update", http.StatusBadRequest)
		return
	}

	if err := h.store.Patch(r.Context(), email, mux.Vars(r)["id"], f); err != nil {
		h.fail(w, "Failed to update task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes one task.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	email, ok := EmailFromContext(r.Context())
	if !ok {
		http.Error(w, "user not found", http.StatusUnauthorized)
		return
	}

	if err := h.store.Delete(r.Context(), email, mux.Vars(r)["id"]); err != nil {
		h.fail(w, "Failed to delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Batch applies several updates atomically.
func (h *TaskHandler) Batch(w http.ResponseWriter, r *http.Request) {
	email, ok := EmailFromContext(r.Context())
	if !ok {
		http.Error(w, "user not found", http.StatusUnauthorized)
		return
	}

	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	for _, wr := range req.Writes {
		if wr.ID == "" {
			http.Error(w, "Missing task id", http.StatusBadRequest)
			return
		}
	}

	if err := h.store.BatchWrite(r.Context(), email, tasks.WritesFromRecords(req.Writes)); err != nil {
		h.fail(w, "Failed to apply batch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, tasks.ErrEmptyText):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, database.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error(msg, "error", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
