package llm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/models"
)

// Frame is a still image sampled from a chunk
type Frame struct {
	At       time.Time
	Data     []byte
	MIMEType string
}

// FrameSampler extracts still frames from a media segment at a fixed interval
type FrameSampler interface {
	Sample(ctx context.Context, segment models.MediaSegment, interval time.Duration) ([]Frame, error)
}

// FFmpegSampler samples JPEG frames by shelling out to ffmpeg
type FFmpegSampler struct {
	binary string
	logger arbor.ILogger
}

// NewFFmpegSampler creates a sampler using the ffmpeg binary on PATH when binary is empty
func NewFFmpegSampler(binary string, logger arbor.ILogger) *FFmpegSampler {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegSampler{binary: binary, logger: logger}
}

func (s *FFmpegSampler) Sample(ctx context.Context, segment models.MediaSegment, interval time.Duration) ([]Frame, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("frame interval must be positive")
	}

	dir, err := os.MkdirTemp("", "recap-frames-")
	if err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}
	defer os.RemoveAll(dir)

	fps := "1/" + strconv.FormatFloat(interval.Seconds(), 'f', -1, 64)
	cmd := exec.CommandContext(ctx, s.binary,
		"-hide_banner", "-loglevel", "error",
		"-i", segment.Path,
		"-vf", "fps="+fps,
		"-q:v", "5",
		filepath.Join(dir, "frame_%05d.jpg"),
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed for %s: %w: %s", segment.Path, err, string(output))
	}

	files, err := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	sort.Strings(files)

	frames := make([]Frame, 0, len(files))
	for i, file := range files {
		at := segment.Start.Add(time.Duration(i) * interval)
		if !at.Before(segment.End) {
			break
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
		frames = append(frames, Frame{At: at, Data: data, MIMEType: "image/jpeg"})
	}

	s.logger.Debug().
		Str("path", segment.Path).
		Int("frames", len(frames)).
		Msg("Sampled frames from segment")

	return frames, nil
}

// frameGroup is one provider call's worth of frames and the interval it describes
type frameGroup struct {
	Start  time.Time
	End    time.Time
	Frames []Frame
}

// sampleFrameGroups samples every segment and groups frames per call.
// Groups never span segments, so a pause between chunks never ends up inside one observation.
func sampleFrameGroups(ctx context.Context, sampler FrameSampler, media *models.MediaPayload, interval time.Duration, perCall int) ([]frameGroup, error) {
	if perCall <= 0 {
		perCall = 1
	}

	var groups []frameGroup
	for _, segment := range media.Segments {
		frames, err := sampler.Sample(ctx, segment, interval)
		if err != nil {
			return nil, err
		}
		for i := 0; i < len(frames); i += perCall {
			j := i + perCall
			if j > len(frames) {
				j = len(frames)
			}
			end := segment.End
			if j < len(frames) {
				end = frames[j].At
			}
			groups = append(groups, frameGroup{
				Start:  frames[i].At,
				End:    end,
				Frames: frames[i:j],
			})
		}
	}
	return groups, nil
}
