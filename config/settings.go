package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"kinostream/internal/obfuscate"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Server        ServerSettings        `json:"server"`
	Upstream      UpstreamSettings      `json:"upstream"`
	Obfuscation   obfuscate.KeyTable    `json:"obfuscation"`
	Cache         CacheSettings         `json:"cache"`
	Token         TokenSettings         `json:"token"`
	Transcode     TranscodeSettings     `json:"transcode"`
	StaticCatalog StaticCatalogSettings `json:"staticCatalog"`
	Playback      PlaybackSettings      `json:"playback"`
	Log           LogConfig             `json:"log"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// UpstreamSettings configures the catalog site client.
type UpstreamSettings struct {
	BaseURL        string `json:"baseUrl"`
	PlayerDataPath string `json:"playerDataPath"` // path of the player-data endpoint
	LoginPath      string `json:"loginPath"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	UserAgent      string `json:"userAgent"`
	Referer        string `json:"referer"`
	TimeoutSec     int    `json:"timeoutSec"`
	RetryAttempts  int    `json:"retryAttempts"` // transport-level retries inside the client
}

// CacheSettings holds per-tier fresh TTLs, in seconds. The stale tail is
// derived from the TTL, not configured.
type CacheSettings struct {
	PlayerDataTTLSec int `json:"playerDataTtlSec"`
	PlaylistTTLSec   int `json:"playlistTtlSec"`
	SourceTTLSec     int `json:"sourceTtlSec"`
	LadderTTLSec     int `json:"ladderTtlSec"`
}

type TokenSettings struct {
	Secret  string `json:"secret"` // hex; generated on first save when empty
	TTLSec  int    `json:"ttlSec"`
	MaxUses int    `json:"maxUses"`
}

type TranscodeSettings struct {
	Directory          string `json:"directory"` // content-addressed artifact cache
	FFmpegPath         string `json:"ffmpegPath"`
	FFprobePath        string `json:"ffprobePath"`
	AudioLanguage      string `json:"audioLanguage"` // BCP 47 tag, e.g. "ru", "en-US"
	DownloadTimeoutSec int    `json:"downloadTimeoutSec"`
}

type StaticCatalogSettings struct {
	DatabasePath   string `json:"databasePath"`
	FixedLocalPath string `json:"fixedLocalPath,omitempty"`
	FixedPublicURL string `json:"fixedPublicUrl,omitempty"`
}

type PlaybackSettings struct {
	// PreferredTranslation is a regular expression matched against upstream
	// translation names; a per-request query parameter overrides it.
	PreferredTranslation string `json:"preferredTranslation,omitempty"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	File       string `json:"file"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

// DefaultSettings returns sane defaults for a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{Host: "0.0.0.0", Port: 7878},
		Upstream: UpstreamSettings{
			PlayerDataPath: "/player-data",
			LoginPath:      "/login",
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) kinostream/1.0",
			TimeoutSec:     30,
			RetryAttempts:  3,
		},
		Obfuscation: obfuscate.KeyTable{
			Marker:    "#h",
			Separator: "//_//",
		},
		Cache: CacheSettings{
			PlayerDataTTLSec: 300,
			PlaylistTTLSec:   300,
			SourceTTLSec:     120,
			LadderTTLSec:     120,
		},
		Token: TokenSettings{
			TTLSec:  90,
			MaxUses: 2,
		},
		Transcode: TranscodeSettings{
			Directory:          "cache/transcode",
			FFmpegPath:         "ffmpeg",
			FFprobePath:        "ffprobe",
			AudioLanguage:      "ru",
			DownloadTimeoutSec: 900,
		},
		StaticCatalog: StaticCatalogSettings{
			DatabasePath: "cache/catalog.db",
		},
		Playback: PlaybackSettings{},
		Log: LogConfig{
			File:       "cache/logs/backend.log",
			MaxSize:    50, // MB per file
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   true,
		},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures the parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads the settings file from disk or creates defaults if missing.
// Missing fields in an existing file are backfilled with defaults so configs
// written by older versions keep working.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		defaults.Token.Secret = newTokenSecret()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return Settings{}, err
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}

	if strings.TrimSpace(s.Token.Secret) == "" {
		s.Token.Secret = newTokenSecret()
		if err := m.Save(s); err != nil {
			return Settings{}, err
		}
	}
	return s, nil
}

// Save writes settings atomically next to the target path.
func (m *Manager) Save(s Settings) error {
	if err := m.EnsureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func newTokenSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for a token-issuing service
		panic(err)
	}
	return hex.EncodeToString(buf)
}
