// Command harimport seeds the static catalog from a browser HAR capture.
// Play a few episodes with devtools recording, export the HAR, then import
// the media URLs it contains:
//
//	harimport -har session.har -db cache/catalog.db
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"

	"kinostream/internal/staticcatalog"
	"kinostream/models"
)

type harFile struct {
	Log struct {
		Entries []harEntry `json:"entries"`
	} `json:"log"`
}

type harEntry struct {
	Request struct {
		URL string `json:"url"`
	} `json:"request"`
	Response struct {
		Status  int `json:"status"`
		Content struct {
			MimeType string `json:"mimeType"`
		} `json:"content"`
	} `json:"response"`
}

var (
	episodeRe = regexp.MustCompile(`(?i)s(\d{1,2})[._ -]?e(\d{1,2})|(\d{1,2})x(\d{2})`)
	qualityRe = regexp.MustCompile(`(\d{3,4})p?[/._-]`)
)

func main() {
	var (
		harPath = flag.String("har", "", "HAR capture to import")
		dbPath  = flag.String("db", "cache/catalog.db", "static catalog database")
		dryRun  = flag.Bool("dry-run", false, "print what would be imported without writing")
	)
	flag.Parse()

	if *harPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	raw, err := os.ReadFile(*harPath)
	if err != nil {
		log.Fatalf("read HAR: %v", err)
	}
	var har harFile
	if err := json.Unmarshal(raw, &har); err != nil {
		log.Fatalf("parse HAR: %v", err)
	}

	var store *staticcatalog.Store
	if !*dryRun {
		store, err = staticcatalog.Open(*dbPath, "", "")
		if err != nil {
			log.Fatalf("open catalog: %v", err)
		}
		defer store.Close()
	}

	ctx := context.Background()
	imported, skipped := 0, 0
	for _, entry := range har.Log.Entries {
		key, quality, ok := classify(entry)
		if !ok {
			skipped++
			continue
		}
		if *dryRun {
			log.Printf("would import %s %dp %s", key.Code(), quality, entry.Request.URL)
			imported++
			continue
		}
		if err := store.Upsert(ctx, key, quality, entry.Request.URL); err != nil {
			log.Printf("skip %s: %v", entry.Request.URL, err)
			skipped++
			continue
		}
		imported++
	}
	log.Printf("imported %d media URLs (%d entries skipped)", imported, skipped)
}

// classify decides whether a HAR entry is a playable media URL and extracts
// its episode key and quality.
func classify(entry harEntry) (models.EpisodeKey, int, bool) {
	if entry.Response.Status < 200 || entry.Response.Status > 299 {
		return models.EpisodeKey{}, 0, false
	}
	rawURL := entry.Request.URL
	if !isMedia(entry.Response.Content.MimeType, rawURL) {
		return models.EpisodeKey{}, 0, false
	}

	m := episodeRe.FindStringSubmatch(rawURL)
	if m == nil {
		return models.EpisodeKey{}, 0, false
	}
	var seasonStr, episodeStr string
	if m[1] != "" {
		seasonStr, episodeStr = m[1], m[2]
	} else {
		seasonStr, episodeStr = m[3], m[4]
	}
	season, _ := strconv.Atoi(seasonStr)
	episode, _ := strconv.Atoi(episodeStr)
	key := models.EpisodeKey{Season: season, Episode: episode}
	if !key.Valid() {
		return models.EpisodeKey{}, 0, false
	}

	qm := qualityRe.FindStringSubmatch(rawURL)
	if qm == nil {
		return models.EpisodeKey{}, 0, false
	}
	quality, _ := strconv.Atoi(qm[1])
	if quality <= 0 {
		return models.EpisodeKey{}, 0, false
	}
	return key, quality, true
}

func isMedia(mimeType, rawURL string) bool {
	if strings.HasPrefix(mimeType, "video/") {
		return true
	}
	trimmed := rawURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	for _, ext := range []string{".mp4", ".mkv", ".m3u8", ".ts", ".webm"} {
		if strings.HasSuffix(trimmed, ext) {
			return true
		}
	}
	return false
}
