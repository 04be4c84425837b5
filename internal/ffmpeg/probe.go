package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 10 * time.Second

// SourceProperties are the probed properties of a media source.
type SourceProperties struct {
	Width  int
	Height int
	FPS    float64
}

// Prober probes media files for stream prerequisites. Implemented by
// FFProbe; faked in tests.
type Prober interface {
	Probe(ctx context.Context, path string) (*SourceProperties, error)
}

// FFProbe probes media files with the ffprobe binary.
type FFProbe struct{}

// NewFFProbe returns a Prober backed by ffprobe.
func NewFFProbe() *FFProbe {
	return &FFProbe{}
}

// Probe returns the width, height and frame rate of the first video stream.
// Fails hard on any missing or invalid property: a source that cannot be
// probed cannot be transcoded.
func (f *FFProbe) Probe(ctx context.Context, path string) (*SourceProperties, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate",
		"-of", "json",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	return parseProbeOutput(out)
}

type probeResult struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// parseProbeOutput validates the ffprobe JSON and extracts the properties.
func parseProbeOutput(data []byte) (*SourceProperties, error) {
	var result probeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	if len(result.Streams) == 0 {
		return nil, fmt.Errorf("no video streams found in file")
	}

	stream := result.Streams[0]
	fps, err := parseFrameRate(stream.AvgFrameRate)
	if err != nil {
		return nil, err
	}

	if stream.Width <= 0 {
		return nil, fmt.Errorf("invalid width: %d", stream.Width)
	}
	if stream.Height <= 0 {
		return nil, fmt.Errorf("invalid height: %d", stream.Height)
	}

	return &SourceProperties{
		Width:  stream.Width,
		Height: stream.Height,
		FPS:    fps,
	}, nil
}

// parseFrameRate parses an ffprobe rational frame rate like "30000/1001".
func parseFrameRate(s string) (float64, error) {
	if s == "" || s == "0/0" {
		return 0, fmt.Errorf("invalid or missing frame rate")
	}

	num, den, found := strings.Cut(s, "/")
	if !found {
		den = "1"
	}

	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}

	fps := n / d
	if fps <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return fps, nil
}
