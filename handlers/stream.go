package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"kinostream/models"
	streamingsvc "kinostream/services/streaming"
	tokensvc "kinostream/services/token"
)

type tokenRedeemer interface {
	Consume(token string) (models.SourceDescriptor, error)
}

type streamer interface {
	ServeLocal(w http.ResponseWriter, r *http.Request, path string)
	ServeProxy(w http.ResponseWriter, r *http.Request, sourceURL string)
}

var (
	_ tokenRedeemer = (*tokensvc.Service)(nil)
	_ streamer      = (*streamingsvc.Service)(nil)
)

// StreamHandler redeems playback tokens and serves the media behind them.
type StreamHandler struct {
	Tokens  tokenRedeemer
	Streams streamer
}

func NewStreamHandler(tokens tokenRedeemer, streams streamer) *StreamHandler {
	return &StreamHandler{Tokens: tokens, Streams: streams}
}

// Stream handles GET/HEAD /api/stream/{token}.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	desc, err := h.Tokens.Consume(token)
	if err != nil {
		switch {
		case errors.Is(err, tokensvc.ErrInvalid):
			http.Error(w, "invalid token", http.StatusForbidden)
		case errors.Is(err, tokensvc.ErrUnavailable):
			http.Error(w, "token expired", http.StatusGone)
		default:
			http.Error(w, "token rejected", http.StatusForbidden)
		}
		return
	}

	if desc.Local() {
		h.Streams.ServeLocal(w, r, desc.LocalPath)
		return
	}
	h.Streams.ServeProxy(w, r, desc.SourceURL)
}
