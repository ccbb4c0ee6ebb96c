package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Stream is the subset of ffprobe stream info the remux step needs.
type Stream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	Tags      struct {
		Language string `json:"language"`
	} `json:"tags"`
}

// Runner abstracts the ffmpeg/ffprobe binaries so tests can run without
// them.
type Runner interface {
	Probe(ctx context.Context, path string) ([]Stream, error)
	Remux(ctx context.Context, src, dst string, audioIndex int) error
}

// ExecRunner shells out to real ffprobe and ffmpeg.
type ExecRunner struct {
	FFmpegPath  string
	FFprobePath string
}

func (r ExecRunner) Probe(ctx context.Context, path string) ([]Stream, error) {
	cmd := exec.CommandContext(ctx, r.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe: %w: %s", err, tail(stderr.String()))
	}
	var result struct {
		Streams []Stream `json:"streams"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("ffprobe output: %w", err)
	}
	return result.Streams, nil
}

// Remux copies the first video stream and the selected audio stream into dst
// without re-encoding. audioIndex is the absolute stream index from Probe.
func (r ExecRunner) Remux(ctx context.Context, src, dst string, audioIndex int) error {
	cmd := exec.CommandContext(ctx, r.FFmpegPath,
		"-y",
		"-i", src,
		"-map", "0:v:0",
		"-map", fmt.Sprintf("0:%d", audioIndex),
		"-c", "copy",
		"-movflags", "+faststart",
		dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg remux: %w: %s", err, tail(stderr.String()))
	}
	return nil
}

// tail keeps the last few lines of tool output; ffmpeg puts the useful error
// at the end.
func tail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
