package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"kinostream/models"
	resolvesvc "kinostream/services/resolve"
	transcodesvc "kinostream/services/transcode"
)

type remuxer interface {
	Ensure(ctx context.Context, key models.EpisodeKey, sourceURL string) (string, error)
}

var _ remuxer = (*transcodesvc.Service)(nil)

// RemuxHandler resolves an episode, remuxes it into a local single-audio
// artifact, and hands back a token for the artifact. The pipeline keeps
// running if the client disconnects; a retry picks up the finished result.
type RemuxHandler struct {
	Resolver   resolveService
	Transcoder remuxer
	Tokens     tokenIssuer
}

func NewRemuxHandler(resolver resolveService, transcoder remuxer, tokens tokenIssuer) *RemuxHandler {
	return &RemuxHandler{Resolver: resolver, Transcoder: transcoder, Tokens: tokens}
}

// Remux handles POST /api/remux?season=&episode=&quality=.
func (h *RemuxHandler) Remux(w http.ResponseWriter, r *http.Request) {
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
		log.Printf("[remux-handler] resolve %s failed: %v", key.Code(), err)
		http.Error(w, "resolution failed", http.StatusBadGateway)
		return
	}
	if desc.Local() {
		// Already a local artifact; nothing to remux.
		h.respond(w, key, desc)
		return
	}

	localPath, err := h.Transcoder.Ensure(r.Context(), key, desc.SourceURL)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The client gave up; the pipeline continues detached.
			return
		}
		log.Printf("[remux-handler] remux %s failed: %v", key.Code(), err)
		http.Error(w, "remux failed", http.StatusBadGateway)
		return
	}

	h.respond(w, key, models.SourceDescriptor{
		SourceURL: desc.SourceURL,
		LocalPath: localPath,
		Quality:   desc.Quality,
		Origin:    desc.Origin,
	})
}

func (h *RemuxHandler) respond(w http.ResponseWriter, key models.EpisodeKey, desc models.SourceDescriptor) {
	token, expiresAt, err := h.Tokens.Issue(desc)
	if err != nil {
		log.Printf("[remux-handler] issue token for %s: %v", key.Code(), err)
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
