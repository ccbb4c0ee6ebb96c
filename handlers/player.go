package handlers

import (
	"embed"
	"net/http"
)

//go:embed static/player.html
var playerFS embed.FS

// PlayerHandler serves the built-in test player page.
type PlayerHandler struct{}

func (h *PlayerHandler) Page(w http.ResponseWriter, r *http.Request) {
	page, err := playerFS.ReadFile("static/player.html")
	if err != nil {
		http.Error(w, "player page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}
