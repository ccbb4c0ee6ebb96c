package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"kinostream/models"
	resolvesvc "kinostream/services/resolve"
	tokensvc "kinostream/services/token"
)

type resolveService interface {
	ResolveSource(ctx context.Context, key models.EpisodeKey, quality int, preferred string) (models.SourceDescriptor, error)
	ResolveLadder(ctx context.Context, key models.EpisodeKey, preferred string) (resolvesvc.Ladder, error)
}

type tokenIssuer interface {
	Issue(desc models.SourceDescriptor) (string, time.Time, error)
}

var (
	_ resolveService = (*resolvesvc.Service)(nil)
	_ tokenIssuer    = (*tokensvc.Service)(nil)
)

// PlaybackHandler turns episode requests into playback tokens; the resolved
// source URL stays server-side.
type PlaybackHandler struct {
	Resolver resolveService
	Tokens   tokenIssuer
}

func NewPlaybackHandler(resolver resolveService, tokens tokenIssuer) *PlaybackHandler {
	return &PlaybackHandler{Resolver: resolver, Tokens: tokens}
}

type playbackResponse struct {
	Token      string `json:"token"`
	ExpiresAt  string `json:"expiresAt"`
	StreamPath string `json:"streamPath"`
	Quality    int    `json:"quality"`
	Origin     string `json:"origin"`
}

// ladderEntry is the client-visible slice of a quality variant. Source URLs
// stay out of the response; playback always goes through a token.
type ladderEntry struct {
	Quality int    `json:"quality"`
	Origin  string `json:"origin"`
}

// Resolve handles GET /api/resolve?season=&episode=&quality=&translation=.
func (h *PlaybackHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	key, err := episodeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	quality, err := qualityFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	desc, err := h.Resolver.ResolveSource(r.Context(), key, quality, r.URL.Query().Get("translation"))
	if err != nil {
		if errors.Is(err, resolvesvc.ErrEpisodeNotFound) {
			http.Error(w, "episode not found", http.StatusNotFound)
			return
		}
		log.Printf("[playback-handler] resolve %s failed: %v", key.Code(), err)
		http.Error(w, "resolution failed", http.StatusBadGateway)
		return
	}

	token, expiresAt, err := h.Tokens.Issue(desc)
	if err != nil {
		log.Printf("[playback-handler] issue token for %s: %v", key.Code(), err)
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, playbackResponse{
		Token:      token,
		ExpiresAt:  expiresAt.UTC().Format(time.RFC3339),
		StreamPath: "/api/stream/" + token,
		Quality:    desc.Quality,
		Origin:     string(desc.Origin),
	})
}

// Ladder handles GET /api/ladder?season=&episode=&translation=.
func (h *PlaybackHandler) Ladder(w http.ResponseWriter, r *http.Request) {
	key, err := episodeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ladder, err := h.Resolver.ResolveLadder(r.Context(), key, r.URL.Query().Get("translation"))
	if err != nil {
		if errors.Is(err, resolvesvc.ErrEpisodeNotFound) {
			http.Error(w, "episode not found", http.StatusNotFound)
			return
		}
		log.Printf("[playback-handler] ladder %s failed: %v", key.Code(), err)
		http.Error(w, "resolution failed", http.StatusBadGateway)
		return
	}

	entries := make([]ladderEntry, 0, len(ladder.Variants))
	for _, v := range ladder.Variants {
		entries = append(entries, ladderEntry{Quality: v.Quality, Origin: string(ladder.Origin)})
	}
	writeJSON(w, http.StatusOK, entries)
}
