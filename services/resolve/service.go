package resolve

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"kinostream/config"
	"kinostream/internal/obfuscate"
	"kinostream/internal/swrcache"
	"kinostream/models"
)

// ErrEpisodeNotFound is returned when neither the upstream catalog nor any
// fallback knows the requested episode.
var ErrEpisodeNotFound = errors.New("episode not found")

// QualityMax requests the highest quality the ladder offers.
const QualityMax = 0

// playerDataKey is the single cache key for the catalog document; the
// upstream serves one document per configured series.
const playerDataKey = "player-data"

// Upstream fetches raw upstream documents.
type Upstream interface {
	FetchPlayerData(ctx context.Context) ([]byte, error)
	FetchPlaylist(ctx context.Context, url string) ([]byte, error)
}

// StaticCatalog serves locally persisted ladders and last-resort fixed URLs.
type StaticCatalog interface {
	Ladder(ctx context.Context, key models.EpisodeKey) ([]models.QualityVariant, error)
	FixedFallback(key models.EpisodeKey) (models.SourceDescriptor, bool)
}

// Ladder is a resolved quality ladder together with where it came from.
type Ladder struct {
	Variants []models.QualityVariant `json:"variants"`
	Origin   models.Origin           `json:"origin"`
}

// Service resolves (season, episode, quality) requests to playable source
// URLs, layering four stale-while-revalidate caches over the upstream:
// the catalog document, per-URL playlists, per-request source descriptors
// and per-episode ladders.
type Service struct {
	upstream Upstream
	static   StaticCatalog
	table    obfuscate.KeyTable

	preferred *regexp.Regexp

	players   *swrcache.Cache[*PlayerData]
	playlists *swrcache.Cache[[]playlistEntry]
	sources   *swrcache.Cache[models.SourceDescriptor]
	ladders   *swrcache.Cache[Ladder]
}

// localePattern is the built-in translation preference used when the caller
// supplies none: favor the configured audio locale's common track names.
var localePattern = regexp.MustCompile(`(?i)(рус|дубл|original|оригинал)`)

func NewService(up Upstream, static StaticCatalog, table obfuscate.KeyTable, cacheCfg config.CacheSettings, preferredPattern string, clock swrcache.Clock) (*Service, error) {
	var preferred *regexp.Regexp
	if preferredPattern != "" {
		var err error
		preferred, err = regexp.Compile(preferredPattern)
		if err != nil {
			return nil, fmt.Errorf("preferred translation pattern: %w", err)
		}
	}
	return &Service{
		upstream:  up,
		static:    static,
		table:     table,
		preferred: preferred,
		players:   swrcache.New[*PlayerData]("player-data", time.Duration(cacheCfg.PlayerDataTTLSec)*time.Second, clock),
		playlists: swrcache.New[[]playlistEntry]("playlist", time.Duration(cacheCfg.PlaylistTTLSec)*time.Second, clock),
		sources:   swrcache.New[models.SourceDescriptor]("source", time.Duration(cacheCfg.SourceTTLSec)*time.Second, clock),
		ladders:   swrcache.New[Ladder]("ladder", time.Duration(cacheCfg.LadderTTLSec)*time.Second, clock),
	}, nil
}

// ResolveSource returns a playable source for the episode at (or nearest
// below) the requested quality. quality <= 0 asks for the best available.
func (s *Service) ResolveSource(ctx context.Context, key models.EpisodeKey, quality int, preferred string) (models.SourceDescriptor, error) {
	if !key.Valid() {
		return models.SourceDescriptor{}, fmt.Errorf("%w: bad episode key", ErrEpisodeNotFound)
	}
	cacheKey := fmt.Sprintf("%s:q%d", key, quality)
	return s.sources.Get(ctx, cacheKey, func(ctx context.Context) (models.SourceDescriptor, error) {
		ladder, err := s.computeLadder(ctx, key, preferred)
		if err == nil && len(ladder.Variants) > 0 {
			v := PickVariant(ladder.Variants, quality)
			return models.SourceDescriptor{SourceURL: v.URL, Quality: v.Quality, Origin: ladder.Origin}, nil
		}
		if desc, ok := s.static.FixedFallback(key); ok {
			log.Printf("[resolve] %s: serving fixed fallback (%s)", key.Code(), desc.Origin)
			return desc, nil
		}
		if err == nil {
			err = ErrEpisodeNotFound
		}
		return models.SourceDescriptor{}, err
	})
}

// ResolveLadder returns the full quality ladder for an episode. Fixed
// fallbacks are deliberately excluded: they carry no quality information.
func (s *Service) ResolveLadder(ctx context.Context, key models.EpisodeKey, preferred string) (Ladder, error) {
	if !key.Valid() {
		return Ladder{}, fmt.Errorf("%w: bad episode key", ErrEpisodeNotFound)
	}
	return s.ladders.Get(ctx, key.String(), func(ctx context.Context) (Ladder, error) {
		return s.computeLadder(ctx, key, preferred)
	})
}

// computeLadder runs the upstream resolution once, retries exactly once with
// a forced-fresh catalog document (obfuscation keys rotate server-side), then
// falls back to the static catalog.
func (s *Service) computeLadder(ctx context.Context, key models.EpisodeKey, preferred string) (Ladder, error) {
	variants, err := s.upstreamLadder(ctx, key, preferred, false)
	if err != nil {
		log.Printf("[resolve] %s: upstream pass failed (%v), retrying with fresh catalog", key.Code(), err)
		variants, err = s.upstreamLadder(ctx, key, preferred, true)
	}
	if err == nil {
		return Ladder{Variants: variants, Origin: models.OriginPlayerData}, nil
	}

	static, serr := s.static.Ladder(ctx, key)
	if serr != nil {
		log.Printf("[resolve] %s: static catalog lookup failed: %v", key.Code(), serr)
	}
	if len(static) > 0 {
		log.Printf("[resolve] %s: serving %d variants from static catalog", key.Code(), len(static))
		return Ladder{Variants: static, Origin: models.OriginCatalog}, nil
	}
	return Ladder{}, err
}

// upstreamLadder walks the ordered translation candidates and returns the
// ladder of the first one that lists the episode. That answer is treated as
// authoritative: later candidates are not consulted.
func (s *Service) upstreamLadder(ctx context.Context, key models.EpisodeKey, preferred string, forced bool) ([]models.QualityVariant, error) {
	fetch := func(ctx context.Context) (*PlayerData, error) {
		raw, err := s.upstream.FetchPlayerData(ctx)
		if err != nil {
			return nil, err
		}
		return parsePlayerData(raw)
	}
	var doc *PlayerData
	var err error
	if forced {
		doc, err = s.players.GetFresh(ctx, playerDataKey, fetch)
	} else {
		doc, err = s.players.Get(ctx, playerDataKey, fetch)
	}
	if err != nil {
		return nil, err
	}

	candidates := orderCandidates(doc.Translations, s.preferredFor(preferred))
	attempted := 0
	var lastErr error
	for _, cand := range candidates {
		playlistURL, derr := obfuscate.Decode(cand.Playlist, s.table)
		if derr != nil {
			log.Printf("[resolve] %s: skipping translation %q: %v", key.Code(), cand.Name, derr)
			continue
		}
		attempted++
		entries, perr := s.playlists.Get(ctx, playlistURL, func(ctx context.Context) ([]playlistEntry, error) {
			raw, err := s.upstream.FetchPlaylist(ctx, playlistURL)
			if err != nil {
				return nil, err
			}
			body, err := obfuscate.Decode(string(raw), s.table)
			if err != nil {
				return nil, err
			}
			return parsePlaylist(body)
		})
		if perr != nil {
			log.Printf("[resolve] %s: translation %q playlist failed: %v", key.Code(), cand.Name, perr)
			lastErr = perr
			continue
		}
		for _, entry := range entries {
			if !matchEpisode(entry.Episode, key) {
				continue
			}
			if variants := parseVariants(entry.File); len(variants) > 0 {
				return variants, nil
			}
		}
	}
	if attempted == 0 || lastErr != nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("%w: no usable translation", ErrBadDocument)
		}
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %s", ErrEpisodeNotFound, key.Code())
}

// preferredFor returns the caller's per-request pattern when valid, else the
// configured default.
func (s *Service) preferredFor(pattern string) *regexp.Regexp {
	if pattern == "" {
		return s.preferred
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Printf("[resolve] ignoring bad translation pattern %q: %v", pattern, err)
		return s.preferred
	}
	return re
}

// orderCandidates sorts translations by preference: caller pattern matches
// first, then locale-heuristic matches, then original catalog order. The
// sort is stable with respect to the catalog.
func orderCandidates(translations []Translation, preferred *regexp.Regexp) []Translation {
	ordered := make([]Translation, 0, len(translations))
	taken := make([]bool, len(translations))
	for i, t := range translations {
		if preferred != nil && preferred.MatchString(t.Name) {
			ordered = append(ordered, t)
			taken[i] = true
		}
	}
	for i, t := range translations {
		if !taken[i] && localePattern.MatchString(t.Name) {
			ordered = append(ordered, t)
			taken[i] = true
		}
	}
	for i, t := range translations {
		if !taken[i] {
			ordered = append(ordered, t)
		}
	}
	return ordered
}

// PickVariant selects from an ascending ladder: exact match wins, otherwise
// the nearest quality below the request, otherwise the lowest offered.
// requested <= 0 means "best available".
func PickVariant(ladder []models.QualityVariant, requested int) models.QualityVariant {
	if len(ladder) == 0 {
		return models.QualityVariant{}
	}
	if requested <= 0 {
		return ladder[len(ladder)-1]
	}
	picked := ladder[0]
	for _, v := range ladder {
		if v.Quality == requested {
			return v
		}
		if v.Quality < requested {
			picked = v
		}
	}
	return picked
}
