package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"kinostream/handlers"
)

// corsMiddleware handles CORS for API routes
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Register mounts all endpoints onto the provided router.
func Register(
	r *mux.Router,
	playbackHandler *handlers.PlaybackHandler,
	streamHandler *handlers.StreamHandler,
	remuxHandler *handlers.RemuxHandler,
) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)

	api.HandleFunc("/resolve", playbackHandler.Resolve).Methods(http.MethodGet)
	api.HandleFunc("/resolve", handleOptions).Methods(http.MethodOptions)
	api.HandleFunc("/ladder", playbackHandler.Ladder).Methods(http.MethodGet)
	api.HandleFunc("/ladder", handleOptions).Methods(http.MethodOptions)

	api.HandleFunc("/stream/{token}", streamHandler.Stream).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/stream/{token}", handleOptions).Methods(http.MethodOptions)

	api.HandleFunc("/remux", remuxHandler.Remux).Methods(http.MethodPost)
	api.HandleFunc("/remux", handleOptions).Methods(http.MethodOptions)

	api.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	playerHandler := &handlers.PlayerHandler{}
	r.HandleFunc("/", playerHandler.Page).Methods(http.MethodGet)
}
