package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"kinostream/models"
)

type stubTranscoder struct {
	path   string
	err    error
	called bool
	gotURL string
}

func (s *stubTranscoder) Ensure(_ context.Context, _ models.EpisodeKey, sourceURL string) (string, error) {
	s.called = true
	s.gotURL = sourceURL
	return s.path, s.err
}

func TestRemuxHandlerProducesLocalToken(t *testing.T) {
	resolver := &stubResolver{desc: models.SourceDescriptor{
		SourceURL: "https://cdn.example/ep.mp4",
		Quality:   480,
		Origin:    models.OriginPlayerData,
	}}
	transcoder := &stubTranscoder{path: "cache/transcode/abc.mp4"}
	h := NewRemuxHandler(resolver, transcoder, &stubIssuer{token: "tok"})

	req := httptest.NewRequest(http.MethodPost, "/api/remux?season=1&episode=5&quality=480", nil)
	rec := httptest.NewRecorder()
	h.Remux(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, transcoder.called)
	require.Equal(t, "https://cdn.example/ep.mp4", transcoder.gotURL)

	var resp playbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "tok", resp.Token)
	require.Equal(t, 480, resp.Quality)
}

func TestRemuxHandlerSkipsLocalDescriptor(t *testing.T) {
	resolver := &stubResolver{desc: models.SourceDescriptor{
		LocalPath: "cache/transcode/abc.mp4",
		Quality:   480,
		Origin:    models.OriginPlayerData,
	}}
	transcoder := &stubTranscoder{}
	h := NewRemuxHandler(resolver, transcoder, &stubIssuer{token: "tok"})

	req := httptest.NewRequest(http.MethodPost, "/api/remux?season=1&episode=5", nil)
	rec := httptest.NewRecorder()
	h.Remux(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, transcoder.called)
}

func TestRemuxHandlerPipelineFailure(t *testing.T) {
	resolver := &stubResolver{desc: models.SourceDescriptor{SourceURL: "https://cdn.example/ep.mp4"}}
	transcoder := &stubTranscoder{err: errors.New("remux blew up")}
	h := NewRemuxHandler(resolver, transcoder, &stubIssuer{token: "tok"})

	req := httptest.NewRequest(http.MethodPost, "/api/remux?season=1&episode=5", nil)
	rec := httptest.NewRecorder()
	h.Remux(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
}
