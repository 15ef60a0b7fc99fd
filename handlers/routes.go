package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes holds the handlers served by NewRouter.
type Routes struct {
	Auth      *AuthHandler
	Tasks     *TaskHandler
	Socket    *SocketHandler
	Protect   *AuthMiddleware
	StaticDir string
}

// NewRouter wires every endpoint.
func NewRouter(rt Routes) *mux.Router {
	r := mux.NewRouter()

	// Auth routes
	r.HandleFunc("/api/auth/login", rt.Auth.Login).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/verify", rt.Auth.VerifyToken).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/magic-link", rt.Auth.HandleMagicLink).Methods(http.MethodGet)

	// Task routes (protected)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(rt.Protect.Auth)
	api.HandleFunc("/tasks", rt.Tasks.List).Methods(http.MethodGet)
	api.HandleFunc("/tasks", rt.Tasks.Create).Methods(http.MethodPost)
	api.HandleFunc("/tasks/batch", rt.Tasks.Batch).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", rt.Tasks.Patch).Methods(http.MethodPatch)
	api.HandleFunc("/tasks/{id}", rt.Tasks.Delete).Methods(http.MethodDelete)

	// WebSocket route for live snapshots
	api.HandleFunc("/ws", rt.Socket.HandleWebSocket)

	if rt.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(rt.StaticDir)))
	}
	return r
}
