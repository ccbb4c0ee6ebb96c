package resolve

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kinostream/config"
	"kinostream/internal/obfuscate"
	"kinostream/models"
)

var testTable = obfuscate.KeyTable{
	Marker:    "#h",
	Separator: "//_//",
	Keys:      []string{"bk0"},
}

// encode obfuscates plain the way the upstream player does, with one key
// marker spliced in front of the payload.
func encode(plain string) string {
	keyMarker := testTable.Separator + base64.StdEncoding.EncodeToString([]byte(testTable.Keys[0]))
	return testTable.Marker + keyMarker + base64.StdEncoding.EncodeToString([]byte(plain))
}

type stubUpstream struct {
	mu            sync.Mutex
	playerDocs    []func() ([]byte, error)
	playerCalls   int
	playlists     map[string]string
	playlistErr   error
	playlistCalls map[string]int
}

func (s *stubUpstream) FetchPlayerData(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.playerCalls
	s.playerCalls++
	if idx >= len(s.playerDocs) {
		idx = len(s.playerDocs) - 1
	}
	return s.playerDocs[idx]()
}

func (s *stubUpstream) FetchPlaylist(_ context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playlistCalls == nil {
		s.playlistCalls = make(map[string]int)
	}
	s.playlistCalls[url]++
	if s.playlistErr != nil {
		return nil, s.playlistErr
	}
	body, ok := s.playlists[url]
	if !ok {
		return nil, fmt.Errorf("no playlist at %s", url)
	}
	return []byte(body), nil
}

type stubCatalog struct {
	ladder    []models.QualityVariant
	ladderErr error
	fixed     models.SourceDescriptor
	hasFixed  bool
}

func (s *stubCatalog) Ladder(context.Context, models.EpisodeKey) ([]models.QualityVariant, error) {
	return s.ladder, s.ladderErr
}

func (s *stubCatalog) FixedFallback(models.EpisodeKey) (models.SourceDescriptor, bool) {
	return s.fixed, s.hasFixed
}

func playerDoc(translations ...Translation) func() ([]byte, error) {
	return func() ([]byte, error) {
		doc := `{"translations":[`
		for i, t := range translations {
			if i > 0 {
				doc += ","
			}
			doc += fmt.Sprintf(`{"name":%q,"playlist":%q}`, t.Name, t.Playlist)
		}
		return []byte(doc + `]}`), nil
	}
}

func newTestService(t *testing.T, up Upstream, static StaticCatalog, preferred string) *Service {
	t.Helper()
	cfg := config.CacheSettings{PlayerDataTTLSec: 300, PlaylistTTLSec: 300, SourceTTLSec: 120, LadderTTLSec: 120}
	svc, err := NewService(up, static, testTable, cfg, preferred, func() time.Time { return time.Unix(1700000000, 0) })
	require.NoError(t, err)
	return svc
}

func TestPickVariant(t *testing.T) {
	ladder := []models.QualityVariant{
		{Quality: 360, URL: "u360"},
		{Quality: 480, URL: "u480"},
		{Quality: 1080, URL: "u1080"},
	}
	cases := []struct {
		requested int
		want      int
	}{
		{QualityMax, 1080},
		{-1, 1080},
		{1080, 1080},
		{480, 480},
		{720, 480},
		{2160, 1080},
		{240, 360},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, PickVariant(ladder, tc.requested).Quality, "requested=%d", tc.requested)
	}
	require.Zero(t, PickVariant(nil, 480))
}

func TestResolveSourceNearestLowerQuality(t *testing.T) {
	// First-ordered translation lacks the episode; the scan must move on to
	// the next one instead of giving up.
	up := &stubUpstream{
		playerDocs: []func() ([]byte, error){playerDoc(
			Translation{Name: "Оригинал", Playlist: "https://up.example/pl-orig"},
			Translation{Name: "SubTeam", Playlist: encode("https://up.example/pl-sub")},
		)},
		playlists: map[string]string{
			"https://up.example/pl-orig": `[{"episode":"1x01","file":"[480p]https://cdn.example/orig-101.mp4"}]`,
			"https://up.example/pl-sub":  encode(`[{"episode":"1x05","file":"[480p]https://cdn.example/sub-lo.mp4,[1080p]https://cdn.example/sub-hi.mp4"}]`),
		},
	}
	svc := newTestService(t, up, &stubCatalog{}, "")

	desc, err := svc.ResolveSource(context.Background(), models.EpisodeKey{Season: 1, Episode: 5}, 720, "")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/sub-lo.mp4", desc.SourceURL)
	require.Equal(t, 480, desc.Quality)
	require.Equal(t, models.OriginPlayerData, desc.Origin)
	require.Equal(t, 1, up.playerCalls)
}

func TestResolveSourceServedFromCache(t *testing.T) {
	up := &stubUpstream{
		playerDocs: []func() ([]byte, error){playerDoc(
			Translation{Name: "Дубляж", Playlist: "https://up.example/pl"},
		)},
		playlists: map[string]string{
			"https://up.example/pl": `[{"episode":"1x05","file":"[1080p]https://cdn.example/hi.mp4"}]`,
		},
	}
	svc := newTestService(t, up, &stubCatalog{}, "")
	key := models.EpisodeKey{Season: 1, Episode: 5}

	_, err := svc.ResolveSource(context.Background(), key, QualityMax, "")
	require.NoError(t, err)
	_, err = svc.ResolveSource(context.Background(), key, QualityMax, "")
	require.NoError(t, err)
	require.Equal(t, 1, up.playerCalls)
	require.Equal(t, 1, up.playlistCalls["https://up.example/pl"])
}

func TestResolveSourceRetriesWithFreshCatalogOnce(t *testing.T) {
	// The first catalog document carries playlist URLs obfuscated with a
	// rotated key table; every candidate is skipped as malformed. The second
	// document, fetched fresh on the single retry, works.
	badPayload := testTable.Marker + "!!!not-base64!!!"
	up := &stubUpstream{
		playerDocs: []func() ([]byte, error){
			playerDoc(Translation{Name: "Дубляж", Playlist: badPayload}),
			playerDoc(Translation{Name: "Дубляж", Playlist: "https://up.example/pl"}),
		},
		playlists: map[string]string{
			"https://up.example/pl": `[{"episode":"1x05","file":"[480p]https://cdn.example/lo.mp4"}]`,
		},
	}
	svc := newTestService(t, up, &stubCatalog{}, "")

	desc, err := svc.ResolveSource(context.Background(), models.EpisodeKey{Season: 1, Episode: 5}, 480, "")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/lo.mp4", desc.SourceURL)
	require.Equal(t, 2, up.playerCalls)
}

func TestResolveSourceStaticCatalogFallback(t *testing.T) {
	up := &stubUpstream{
		playerDocs: []func() ([]byte, error){func() ([]byte, error) {
			return nil, errors.New("upstream down")
		}},
	}
	static := &stubCatalog{ladder: []models.QualityVariant{
		{Quality: 480, URL: "https://mirror.example/s01e05-480.mp4"},
		{Quality: 720, URL: "https://mirror.example/s01e05-720.mp4"},
	}}
	svc := newTestService(t, up, static, "")

	desc, err := svc.ResolveSource(context.Background(), models.EpisodeKey{Season: 1, Episode: 5}, 720, "")
	require.NoError(t, err)
	require.Equal(t, "https://mirror.example/s01e05-720.mp4", desc.SourceURL)
	require.Equal(t, models.OriginCatalog, desc.Origin)
	// One regular pass plus exactly one forced-fresh retry.
	require.Equal(t, 2, up.playerCalls)
}

func TestResolveSourceFixedFallbackLast(t *testing.T) {
	up := &stubUpstream{
		playerDocs: []func() ([]byte, error){func() ([]byte, error) {
			return nil, errors.New("upstream down")
		}},
	}
	static := &stubCatalog{
		fixed:    models.SourceDescriptor{SourceURL: "https://public.example/ep.mp4", Origin: models.OriginFixedPublic},
		hasFixed: true,
	}
	svc := newTestService(t, up, static, "")

	desc, err := svc.ResolveSource(context.Background(), models.EpisodeKey{Season: 1, Episode: 5}, 480, "")
	require.NoError(t, err)
	require.Equal(t, models.OriginFixedPublic, desc.Origin)
	require.Equal(t, "https://public.example/ep.mp4", desc.SourceURL)
}

func TestResolveLadderExcludesFixedFallback(t *testing.T) {
	up := &stubUpstream{
		playerDocs: []func() ([]byte, error){func() ([]byte, error) {
			return nil, errors.New("upstream down")
		}},
	}
	static := &stubCatalog{
		fixed:    models.SourceDescriptor{SourceURL: "https://public.example/ep.mp4", Origin: models.OriginFixedPublic},
		hasFixed: true,
	}
	svc := newTestService(t, up, static, "")

	_, err := svc.ResolveLadder(context.Background(), models.EpisodeKey{Season: 1, Episode: 5}, "")
	require.Error(t, err)
}

func TestResolveLadderFromUpstream(t *testing.T) {
	up := &stubUpstream{
		playerDocs: []func() ([]byte, error){playerDoc(
			Translation{Name: "Дубляж", Playlist: "https://up.example/pl"},
		)},
		playlists: map[string]string{
			"https://up.example/pl": `[{"episode":"1x05","file":"[1080p]https://cdn.example/hi.mp4,[480p]https://cdn.example/lo.mp4"}]`,
		},
	}
	svc := newTestService(t, up, &stubCatalog{}, "")

	ladder, err := svc.ResolveLadder(context.Background(), models.EpisodeKey{Season: 1, Episode: 5}, "")
	require.NoError(t, err)
	require.Equal(t, models.OriginPlayerData, ladder.Origin)
	require.Equal(t, []models.QualityVariant{
		{Quality: 480, URL: "https://cdn.example/lo.mp4"},
		{Quality: 1080, URL: "https://cdn.example/hi.mp4"},
	}, ladder.Variants)
}

func TestResolveSourceUnknownEpisode(t *testing.T) {
	up := &stubUpstream{
		playerDocs: []func() ([]byte, error){playerDoc(
			Translation{Name: "Дубляж", Playlist: "https://up.example/pl"},
		)},
		playlists: map[string]string{
			"https://up.example/pl": `[{"episode":"1x01","file":"[480p]https://cdn.example/a.mp4"}]`,
		},
	}
	svc := newTestService(t, up, &stubCatalog{}, "")

	_, err := svc.ResolveSource(context.Background(), models.EpisodeKey{Season: 9, Episode: 9}, 480, "")
	require.ErrorIs(t, err, ErrEpisodeNotFound)
}

func TestOrderCandidates(t *testing.T) {
	translations := []Translation{
		{Name: "SubTeam"},
		{Name: "Оригинал"},
		{Name: "Другое"},
		{Name: "Дубляж HD"},
	}
	ordered := orderCandidates(translations, nil)
	require.Equal(t, []string{"Оригинал", "Дубляж HD", "SubTeam", "Другое"}, names(ordered))

	ordered = orderCandidates(translations, mustCompile(t, "(?i)subteam"))
	require.Equal(t, []string{"SubTeam", "Оригинал", "Дубляж HD", "Другое"}, names(ordered))
}

func mustCompile(t *testing.T, pattern string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(pattern)
	require.NoError(t, err)
	return re
}

func names(ts []Translation) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name
	}
	return out
}
