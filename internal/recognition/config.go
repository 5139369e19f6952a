package recognition

import (
	"context"
	"time"

	"github.com/andresmejia3/facefinder/internal/video"
)

const (
	// DefaultThreshold is the minimum similarity (as a fraction) for a match.
	DefaultThreshold = 0.6
	// DefaultResultDir is where reports are written when no directory is configured.
	DefaultResultDir = "results"
)

// Config tunes one Orchestrator. It is copied at construction; there is no shared state.
type Config struct {
	Threshold float64 // match when confidence > Threshold*100
	Stride    int     // analyze every Stride-th frame
	ResultDir string

	RunTimeout time.Duration // zero disables the wall-clock deadline
	MaxFrames  int           // zero decodes the whole video

	// FailOnUnreadableVideo turns an unopenable video into an error instead of an empty report.
	FailOnUnreadableVideo bool

	// Now is the report clock. Defaults to time.Now.
	Now func() time.Time
	// OpenVideo opens the frame source. Defaults to ffmpeg.
	OpenVideo func(ctx context.Context, path string) (video.FrameSource, error)
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		Stride:    video.DefaultStride,
		ResultDir: DefaultResultDir,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Stride < 1 {
		c.Stride = video.DefaultStride
	}
	if c.ResultDir == "" {
		c.ResultDir = DefaultResultDir
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.OpenVideo == nil {
		c.OpenVideo = openFFmpeg
	}
	return c
}

func openFFmpeg(ctx context.Context, path string) (video.FrameSource, error) {
	src, err := video.OpenFFmpeg(ctx, path)
	if err != nil {
		return nil, err
	}
	return src, nil
}
