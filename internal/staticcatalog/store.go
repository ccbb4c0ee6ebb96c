// Package staticcatalog is the terminal fallback for playback resolution: a
// local SQLite table of known-good episode sources, typically seeded from a
// HAR capture (see tools/harimport), plus a short chain of fixed fallback
// locations for when even the table has nothing.
package staticcatalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"kinostream/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// EnvFallbackURL names the environment variable consulted as the very last
// fixed fallback.
const EnvFallbackURL = "KINOSTREAM_FALLBACK_URL"

// Store is a SQLite-backed static source catalog.
type Store struct {
	db *sql.DB

	// Fixed fallbacks, in resolution order after the table.
	localPath string
	publicURL string
}

// Open opens (creating if needed) the catalog database at path and applies
// pending migrations. localPath and publicURL configure the fixed fallbacks
// and may be empty.
func Open(path, localPath, publicURL string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog db: %w", err)
	}

	log.Printf("[staticcatalog] opened %s", path)
	return &Store{db: db, localPath: localPath, publicURL: publicURL}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert records a source URL for one (season, episode, quality) rung.
func (s *Store) Upsert(ctx context.Context, key models.EpisodeKey, quality int, url string) error {
	if !key.Valid() || quality <= 0 || strings.TrimSpace(url) == "" {
		return fmt.Errorf("invalid catalog row %s q=%d", key, quality)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_sources (season, episode, quality, url, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (season, episode, quality)
		DO UPDATE SET url = excluded.url, updated_at = CURRENT_TIMESTAMP`,
		key.Season, key.Episode, quality, url)
	if err != nil {
		return fmt.Errorf("upsert catalog source: %w", err)
	}
	return nil
}

// Ladder returns the stored quality ladder for an episode, sorted ascending.
// An empty ladder is not an error.
func (s *Store) Ladder(ctx context.Context, key models.EpisodeKey) ([]models.QualityVariant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT quality, url FROM catalog_sources
		WHERE season = ? AND episode = ?
		ORDER BY quality ASC`,
		key.Season, key.Episode)
	if err != nil {
		return nil, fmt.Errorf("query catalog sources: %w", err)
	}
	defer rows.Close()

	var ladder []models.QualityVariant
	for rows.Next() {
		var v models.QualityVariant
		if err := rows.Scan(&v.Quality, &v.URL); err != nil {
			return nil, fmt.Errorf("scan catalog source: %w", err)
		}
		ladder = append(ladder, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog sources: %w", err)
	}
	return ladder, nil
}

// FixedFallback resolves the configured fixed fallback chain: a local file,
// then a public URL, then the KINOSTREAM_FALLBACK_URL environment variable.
// The returned descriptor carries no quality information.
func (s *Store) FixedFallback(key models.EpisodeKey) (models.SourceDescriptor, bool) {
	if s.localPath != "" {
		if _, err := os.Stat(s.localPath); err == nil {
			return models.SourceDescriptor{LocalPath: s.localPath, Origin: models.OriginFixedLocal}, true
		}
	}
	if s.publicURL != "" {
		return models.SourceDescriptor{SourceURL: s.publicURL, Origin: models.OriginFixedPublic}, true
	}
	if env := strings.TrimSpace(os.Getenv(EnvFallbackURL)); env != "" {
		return models.SourceDescriptor{SourceURL: env, Origin: models.OriginFixedEnv}, true
	}
	return models.SourceDescriptor{}, false
}
