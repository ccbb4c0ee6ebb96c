package models

import (
	"fmt"
	"sort"
)

// Origin records which resolution path produced a source. It is provenance
// for diagnostics only and never changes how a source is served.
type Origin string

const (
	OriginPlayerData  Origin = "player-data"
	OriginCatalog     Origin = "catalog"
	OriginFixedLocal  Origin = "fixed-local"
	OriginFixedPublic Origin = "fixed-public"
	OriginFixedEnv    Origin = "fixed-env"
)

// EpisodeKey identifies one episode. Season and Episode are 1-based.
type EpisodeKey struct {
	Season  int `json:"season"`
	Episode int `json:"episode"`
}

// String returns the stable form used as a cache key, e.g. "s1e5".
func (k EpisodeKey) String() string {
	return fmt.Sprintf("s%de%d", k.Season, k.Episode)
}

// Code returns the zero-padded release form, e.g. "S01E05".
func (k EpisodeKey) Code() string {
	return fmt.Sprintf("S%02dE%02d", k.Season, k.Episode)
}

// Valid reports whether both components are positive.
func (k EpisodeKey) Valid() bool {
	return k.Season > 0 && k.Episode > 0
}

// QualityVariant is one rung of an episode's quality ladder.
type QualityVariant struct {
	Quality int    `json:"quality"` // vertical resolution, e.g. 480, 1080
	URL     string `json:"url"`
}

// SortLadder de-duplicates variants by quality (first occurrence wins) and
// sorts them ascending. The result is a valid ladder.
func SortLadder(variants []QualityVariant) []QualityVariant {
	seen := make(map[int]struct{}, len(variants))
	out := make([]QualityVariant, 0, len(variants))
	for _, v := range variants {
		if v.Quality <= 0 || v.URL == "" {
			continue
		}
		if _, ok := seen[v.Quality]; ok {
			continue
		}
		seen[v.Quality] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Quality < out[j].Quality })
	return out
}

// SourceDescriptor is an immutable resolved playback source. LocalPath, when
// set, takes precedence over SourceURL. Descriptors are only ever handed to
// clients indirectly, wrapped in a playback token.
type SourceDescriptor struct {
	SourceURL string `json:"sourceUrl,omitempty"`
	LocalPath string `json:"localPath,omitempty"`
	Quality   int    `json:"quality,omitempty"` // 0 when the origin carries no quality info
	Origin    Origin `json:"origin"`
}

// Local reports whether the descriptor points at a file on disk.
func (d SourceDescriptor) Local() bool {
	return d.LocalPath != ""
}
