// Package video decodes a video file into a lazily sampled stream of frames.
package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/andresmejia3/facefinder/internal/utils"
)

const megabyte = 1024 * 1024

// ErrVideoUnreadable is reported when the source cannot be opened or yields no frames at all.
var ErrVideoUnreadable = errors.New("video is unreadable")

// FrameSource produces encoded frames in decode order.
// ReadFrame returns io.EOF once the stream is exhausted.
type FrameSource interface {
	ReadFrame() ([]byte, error)
	FPS() float64
	Close() error
}

// FFmpegSource streams MJPEG frames out of an ffmpeg image2pipe process.
type FFmpegSource struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	stderr  bytes.Buffer
	fps     float64
	closed  bool
}

// OpenFFmpeg probes path and starts the decoder. Any failure is wrapped in ErrVideoUnreadable.
func OpenFFmpeg(ctx context.Context, path string) (*FFmpegSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVideoUnreadable, err)
	}

	fps, err := utils.GetVideoFPS(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVideoUnreadable, err)
	}

	src := &FFmpegSource{fps: fps}
	src.cmd = utils.NewFFmpegCmd(ctx, path)
	src.cmd.Stderr = &src.stderr

	src.stdout, err = src.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := src.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrVideoUnreadable, err)
	}

	src.scanner = bufio.NewScanner(src.stdout)
	src.scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	src.scanner.Split(utils.SplitJpeg)
	return src, nil
}

// ReadFrame returns a copy of the next JPEG frame.
func (s *FFmpegSource) ReadFrame() ([]byte, error) {
	if s.closed {
		return nil, io.EOF
	}
	if s.scanner.Scan() {
		frame := make([]byte, len(s.scanner.Bytes()))
		copy(frame, s.scanner.Bytes())
		return frame, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("frame split failed: %w", err)
	}
	return nil, io.EOF
}

// FPS returns the probed frame rate.
func (s *FFmpegSource) FPS() float64 {
	return s.fps
}

// Close stops ffmpeg and reaps the process. It is safe to call more than once.
func (s *FFmpegSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdout.Close() // Unblocks ffmpeg if it is still writing
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	return nil
}

// Stderr returns whatever ffmpeg logged, for diagnostics.
func (s *FFmpegSource) Stderr() string {
	return s.stderr.String()
}

// MemorySource replays pre-encoded frames held in memory.
type MemorySource struct {
	frames [][]byte
	fps    float64
	pos    int
	// Fail, when set, is returned instead of the frame at index FailAt.
	Fail   error
	FailAt int
}

// NewMemorySource creates a source over frames played back at fps.
func NewMemorySource(frames [][]byte, fps float64) *MemorySource {
	return &MemorySource{frames: frames, fps: fps, FailAt: -1}
}

func (m *MemorySource) ReadFrame() ([]byte, error) {
	if m.Fail != nil && m.pos == m.FailAt {
		return nil, m.Fail
	}
	if m.pos >= len(m.frames) {
		return nil, io.EOF
	}
	f := m.frames[m.pos]
	m.pos++
	return f, nil
}

func (m *MemorySource) FPS() float64 { return m.fps }

func (m *MemorySource) Close() error {
	m.pos = len(m.frames)
	m.Fail = nil
	return nil
}
