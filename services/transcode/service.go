// Package transcode downloads resolved sources and remuxes them down to a
// single audio track. Work is de-duplicated by a normalized source identity,
// runs detached from the requesting client, and lands in the artifact
// directory only through atomic renames.
package transcode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/text/language"

	"kinostream/config"
	"kinostream/models"
)

var ErrNoAudio = errors.New("source has no audio stream")

const (
	srcSuffix   = ".src"
	finalSuffix = ".mp4"
	partSuffix  = ".part"
)

type task struct {
	done chan struct{}
	path string
	err  error
}

// Service owns the artifact directory and the in-flight registry. The Runner
// writes through the real filesystem, so a non-OS afero backend is only
// meaningful with a test runner.
type Service struct {
	fs      afero.Fs
	runner  Runner
	client  *http.Client
	dir     string
	matcher language.Matcher
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]*task
}

func NewService(cfg config.TranscodeSettings, fs afero.Fs, runner Runner) (*Service, error) {
	if cfg.Directory == "" {
		return nil, errors.New("transcode directory not configured")
	}
	if err := fs.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create transcode directory: %w", err)
	}
	tag, err := language.Parse(cfg.AudioLanguage)
	if err != nil {
		return nil, fmt.Errorf("audio language %q: %w", cfg.AudioLanguage, err)
	}
	timeout := time.Duration(cfg.DownloadTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Service{
		fs:       fs,
		runner:   runner,
		client:   &http.Client{},
		dir:      cfg.Directory,
		matcher:  language.NewMatcher([]language.Tag{tag}),
		timeout:  timeout,
		inflight: make(map[string]*task),
	}, nil
}

// OutputKey derives the stable artifact identity for an episode's source.
// Volatile URL parts (query strings, deep path prefixes) are dropped so the
// same media reached through rotating session URLs maps to one artifact.
func OutputKey(key models.EpisodeKey, sourceURL string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", key, normalizeSource(sourceURL))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeSource(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) > 2 {
		segments = segments[len(segments)-2:]
	}
	return u.Scheme + "://" + u.Host + "/" + path.Join(segments...)
}

// Ensure returns the local path of the remuxed artifact for (key, sourceURL),
// producing it first if needed. Concurrent calls for the same identity share
// one pipeline run. The pipeline itself is detached: ctx cancellation stops
// this caller's wait, not the work.
func (s *Service) Ensure(ctx context.Context, key models.EpisodeKey, sourceURL string) (string, error) {
	outKey := OutputKey(key, sourceURL)
	final := filepath.Join(s.dir, outKey+finalSuffix)

	if ok, err := afero.Exists(s.fs, final); err == nil && ok {
		return final, nil
	}

	s.mu.Lock()
	t, running := s.inflight[outKey]
	if !running {
		t = &task{done: make(chan struct{})}
		s.inflight[outKey] = t
		go s.run(t, outKey, sourceURL)
	}
	s.mu.Unlock()

	select {
	case <-t.done:
		return t.path, t.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Service) run(t *task, outKey, sourceURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	t.path, t.err = s.pipeline(ctx, outKey, sourceURL)
	if t.err != nil {
		log.Printf("[transcode] %s failed: %v", outKey[:12], t.err)
		s.purge(outKey)
	}

	s.mu.Lock()
	delete(s.inflight, outKey)
	s.mu.Unlock()
	close(t.done)
}

func (s *Service) pipeline(ctx context.Context, outKey, sourceURL string) (string, error) {
	src := filepath.Join(s.dir, outKey+srcSuffix)
	final := filepath.Join(s.dir, outKey+finalSuffix)

	// A task can register in the window between another run publishing the
	// artifact and removing itself from inflight; re-check before working.
	if ok, err := afero.Exists(s.fs, final); err == nil && ok {
		return final, nil
	}

	if err := s.download(ctx, sourceURL, src); err != nil {
		return "", err
	}
	defer s.fs.Remove(src)

	audioIndex, err := s.selectAudio(ctx, src)
	if err != nil {
		return "", err
	}

	finalTmp := final + partSuffix
	if err := s.runner.Remux(ctx, src, finalTmp, audioIndex); err != nil {
		return "", err
	}
	if err := s.fs.Rename(finalTmp, final); err != nil {
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	log.Printf("[transcode] %s ready: %s", outKey[:12], final)
	return final, nil
}

func (s *Service) download(ctx context.Context, sourceURL, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download source: unexpected status %d", resp.StatusCode)
	}

	tmp := dst + partSuffix
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create download temp: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("write download: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close download temp: %w", err)
	}
	return s.fs.Rename(tmp, dst)
}

// selectAudio picks the audio stream to keep: best language match first,
// falling back to the first audio stream in the container.
func (s *Service) selectAudio(ctx context.Context, src string) (int, error) {
	streams, err := s.runner.Probe(ctx, src)
	if err != nil {
		return 0, err
	}
	best := -1
	first := -1
	for _, st := range streams {
		if st.CodecType != "audio" {
			continue
		}
		if first < 0 {
			first = st.Index
		}
		if st.Tags.Language == "" {
			continue
		}
		tag, err := language.Parse(st.Tags.Language)
		if err != nil {
			continue
		}
		if _, _, conf := s.matcher.Match(tag); conf > language.No && best < 0 {
			best = st.Index
		}
	}
	if best >= 0 {
		return best, nil
	}
	if first >= 0 {
		return first, nil
	}
	return 0, ErrNoAudio
}

// purge removes every intermediate file for an identity, keeping the
// directory free of half-written artifacts after a failure.
func (s *Service) purge(outKey string) {
	for _, name := range []string{
		outKey + srcSuffix,
		outKey + srcSuffix + partSuffix,
		outKey + finalSuffix + partSuffix,
	} {
		s.fs.Remove(filepath.Join(s.dir, name))
	}
}

// PurgePartials removes stale temp files left by a previous process, called
// once at startup.
func (s *Service) PurgePartials() error {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return err
	}
	for _, info := range infos {
		name := info.Name()
		if strings.HasSuffix(name, partSuffix) || strings.HasSuffix(name, srcSuffix) {
			if err := s.fs.Remove(filepath.Join(s.dir, name)); err != nil {
				log.Printf("[transcode] purge %s: %v", name, err)
			}
		}
	}
	return nil
}
