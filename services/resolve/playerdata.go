package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"kinostream/models"
)

// ErrBadDocument marks an upstream document that parsed as bytes but lacks
// the expected shape. The resolver treats it exactly like a fetch failure:
// retryable once via the forced-fresh pass.
var ErrBadDocument = errors.New("player data lacks expected shape")

// PlayerData is the decoded catalog document: the set of translations the
// upstream player offers, each pointing at an (often obfuscated) playlist.
type PlayerData struct {
	Translations []Translation `json:"translations"`
}

// Translation is one named audio translation of the series.
type Translation struct {
	Name     string `json:"name"`
	Playlist string `json:"playlist"` // obfuscated or plain playlist URL
}

func parsePlayerData(raw []byte) (*PlayerData, error) {
	var doc PlayerData
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDocument, err)
	}
	if len(doc.Translations) == 0 {
		return nil, fmt.Errorf("%w: no translations", ErrBadDocument)
	}
	return &doc, nil
}

// playlistEntry is one row of a decoded playlist body. File carries the
// playerjs-style quality-tagged variant list: "[480p]url,[1080p]url".
type playlistEntry struct {
	Episode string `json:"episode"`
	File    string `json:"file"`
}

func parsePlaylist(body string) ([]playlistEntry, error) {
	var entries []playlistEntry
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		return nil, fmt.Errorf("%w: playlist: %v", ErrBadDocument, err)
	}
	return entries, nil
}

var episodeIDRe = regexp.MustCompile(`(?i)^\s*(?:s(\d+)\s*e(\d+)|(\d+)\s*x(\d+))\s*$`)

// matchEpisode reports whether a playlist episode identifier refers to key.
// Both "SxxEyy" and "NxM" forms are accepted, zero-padded or not.
func matchEpisode(id string, key models.EpisodeKey) bool {
	m := episodeIDRe.FindStringSubmatch(id)
	if m == nil {
		return false
	}
	var seasonStr, episodeStr string
	if m[1] != "" {
		seasonStr, episodeStr = m[1], m[2]
	} else {
		seasonStr, episodeStr = m[3], m[4]
	}
	season, err1 := strconv.Atoi(seasonStr)
	episode, err2 := strconv.Atoi(episodeStr)
	if err1 != nil || err2 != nil {
		return false
	}
	return season == key.Season && episode == key.Episode
}

var variantRe = regexp.MustCompile(`\[(\d+)p?\]\s*([^,\[\]\s]+)`)

// parseVariants extracts the quality ladder from a quality-tagged file list.
// Unparseable chunks are ignored; the result is sorted and de-duplicated.
func parseVariants(file string) []models.QualityVariant {
	var variants []models.QualityVariant
	for _, m := range variantRe.FindAllStringSubmatch(file, -1) {
		quality, err := strconv.Atoi(m[1])
		if err != nil || quality <= 0 {
			continue
		}
		u := strings.TrimSpace(m[2])
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		variants = append(variants, models.QualityVariant{Quality: quality, URL: u})
	}
	return models.SortLadder(variants)
}
