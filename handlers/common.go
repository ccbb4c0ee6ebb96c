package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"kinostream/models"
	"kinostream/services/resolve"
)

// episodeFromQuery reads season/episode request parameters.
func episodeFromQuery(r *http.Request) (models.EpisodeKey, error) {
	season, err := strconv.Atoi(r.URL.Query().Get("season"))
	if err != nil {
		return models.EpisodeKey{}, fmt.Errorf("invalid season")
	}
	episode, err := strconv.Atoi(r.URL.Query().Get("episode"))
	if err != nil {
		return models.EpisodeKey{}, fmt.Errorf("invalid episode")
	}
	key := models.EpisodeKey{Season: season, Episode: episode}
	if !key.Valid() {
		return models.EpisodeKey{}, fmt.Errorf("invalid episode key")
	}
	return key, nil
}

// qualityFromQuery maps the quality parameter to a ladder request; absent or
// "max" asks for the best available.
func qualityFromQuery(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("quality"))
	if raw == "" || strings.EqualFold(raw, "max") {
		return resolve.QualityMax, nil
	}
	raw = strings.TrimSuffix(strings.ToLower(raw), "p")
	quality, err := strconv.Atoi(raw)
	if err != nil || quality <= 0 {
		return 0, fmt.Errorf("invalid quality %q", r.URL.Query().Get("quality"))
	}
	return quality, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[handlers] encode response: %v", err)
	}
}
