package resolve

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kinostream/models"
)

func TestMatchEpisodeForms(t *testing.T) {
	key := models.EpisodeKey{Season: 1, Episode: 5}
	cases := []struct {
		id   string
		want bool
	}{
		{"1x05", true},
		{"1x5", true},
		{"01x05", true},
		{"S01E05", true},
		{"s1e5", true},
		{" S01 E05 ", true},
		{"2x05", false},
		{"1x06", false},
		{"S01", false},
		{"episode 5", false},
		{"", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, matchEpisode(tc.id, key), "id=%q", tc.id)
	}
}

func TestParseVariants(t *testing.T) {
	got := parseVariants("[1080p]https://cdn.example/hi.mp4,[480p]https://cdn.example/lo.mp4,[480p]https://cdn.example/dupe.mp4")
	require.Equal(t, []models.QualityVariant{
		{Quality: 480, URL: "https://cdn.example/lo.mp4"},
		{Quality: 1080, URL: "https://cdn.example/hi.mp4"},
	}, got)
}

func TestParseVariantsSkipsJunk(t *testing.T) {
	got := parseVariants("[720p]ftp://nope/file,[abc]https://cdn.example/x.mp4,[480]https://cdn.example/lo.mp4")
	require.Equal(t, []models.QualityVariant{
		{Quality: 480, URL: "https://cdn.example/lo.mp4"},
	}, got)
}

func TestParsePlayerDataRejectsEmpty(t *testing.T) {
	_, err := parsePlayerData([]byte(`{"translations":[]}`))
	require.ErrorIs(t, err, ErrBadDocument)

	_, err = parsePlayerData([]byte(`not json`))
	require.ErrorIs(t, err, ErrBadDocument)
}

func TestParsePlaylist(t *testing.T) {
	entries, err := parsePlaylist(`[{"episode":"1x01","file":"[480p]https://cdn.example/a.mp4"}]`)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "1x01", entries[0].Episode)

	_, err = parsePlaylist(`{"oops":true}`)
	require.ErrorIs(t, err, ErrBadDocument)
}
