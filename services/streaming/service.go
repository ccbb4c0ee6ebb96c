// Package streaming serves resolved media to players, either from a local
// artifact with byte-range support or by proxying a remote source.
package streaming

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

// ErrUnsatisfiableRange marks a bytes Range header the resource cannot
// satisfy: malformed specs, ranges past the end, or empty suffixes.
var ErrUnsatisfiableRange = errors.New("unsatisfiable range")

type byteRange struct {
	start  int64
	length int64
}

func (r byteRange) contentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.start, r.start+r.length-1, size)
}

// parseRange interprets a single-range Range header against a resource of
// the given size. A nil result with nil error means "serve the whole
// resource": either no header or a non-bytes unit, which is ignored. A
// malformed bytes spec is an error, and ranges that name bytes beyond the
// end are rejected outright rather than clamped.
func parseRange(header string, size int64) (*byteRange, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, nil
	}
	// Multi-range requests are not supported; the first range wins.
	spec, _, _ = strings.Cut(spec, ",")
	spec = strings.TrimSpace(spec)

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, ErrUnsatisfiableRange
	}

	if startStr == "" {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrUnsatisfiableRange
		}
		if n > size {
			n = size
		}
		return &byteRange{start: size - n, length: n}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, ErrUnsatisfiableRange
	}
	if start >= size {
		return nil, ErrUnsatisfiableRange
	}
	if endStr == "" {
		return &byteRange{start: start, length: size - start}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil, ErrUnsatisfiableRange
	}
	if end >= size {
		return nil, ErrUnsatisfiableRange
	}
	return &byteRange{start: start, length: end - start + 1}, nil
}

// Service streams artifacts and remote sources to HTTP clients.
type Service struct {
	fs     afero.Fs
	client *http.Client
}

func NewService(fs afero.Fs) *Service {
	return &Service{fs: fs, client: &http.Client{}}
}

// ServeLocal serves a local artifact honoring single byte ranges: 200 for
// whole-resource requests, 206 for satisfiable ranges, 416 otherwise.
func (s *Service) ServeLocal(w http.ResponseWriter, r *http.Request, path string) {
	f, err := s.fs.Open(path)
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "artifact not readable", http.StatusInternalServerError)
		return
	}
	size := info.Size()

	contentType := detectContentType(f, path)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	rng, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if rng == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, f); err != nil {
			log.Printf("[streaming] serve %s: %v", path, err)
		}
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(rng.length, 10))
	w.Header().Set("Content-Range", rng.contentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := f.Seek(rng.start, io.SeekStart); err != nil {
		log.Printf("[streaming] seek %s: %v", path, err)
		return
	}
	if _, err := io.CopyN(w, f, rng.length); err != nil {
		log.Printf("[streaming] serve %s: %v", path, err)
	}
}

// ServeProxy relays a remote source, forwarding the client's Range header
// and mirroring the upstream response.
func (s *Service) ServeProxy(w http.ResponseWriter, r *http.Request, sourceURL string) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, sourceURL, nil)
	if err != nil {
		http.Error(w, "bad source", http.StatusBadGateway)
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		http.Error(w, "source unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, h := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("[streaming] proxy %s: %v", sourceURL, err)
	}
}

// detectContentType sniffs the artifact's leading bytes, restoring the read
// position afterwards. Falls back to a container default when sniffing or
// seeking fails.
func detectContentType(f afero.File, path string) string {
	mt, err := mimetype.DetectReader(f)
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return "application/octet-stream"
	}
	if err != nil {
		return "application/octet-stream"
	}
	if mt.Is("application/octet-stream") && strings.HasSuffix(path, ".mp4") {
		return "video/mp4"
	}
	return mt.String()
}
