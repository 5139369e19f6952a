package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// DefaultStride is the sampling interval: only every 5th decoded frame is analyzed.
const DefaultStride = 5

// ErrDecodeFailed wraps a failure that stopped decoding after at least one frame was read.
var ErrDecodeFailed = errors.New("video decode failed")

// Frame is one sampled frame.
type Frame struct {
	Index     int     // 1-based running counter of decoded frames
	Timestamp float64 // seconds, rounded to 2 decimals
	Data      []byte  // encoded image
}

// Decode turns the encoded frame into an image.
func (f Frame) Decode() (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", f.Index, err)
	}
	return img, nil
}

// Sampler is a finite, non-restartable iterator over every Nth decoded frame.
//
//	s := video.Open(ctx, path, video.DefaultStride)
//	defer s.Close()
//	for s.Next() { ... s.Frame() ... }
//	if err := s.Err(); err != nil { ... }
type Sampler struct {
	src     FrameSource
	stride  int
	counter int
	current Frame
	err     error
	done    bool

	// OnRead, when set, is called after every decoded frame with the running count.
	OnRead func(count int)
	// Limit, when positive, ends the sequence after that many decoded frames.
	Limit int
}

// NewSampler samples src every stride frames. A stride below 1 falls back to DefaultStride.
func NewSampler(src FrameSource, stride int) *Sampler {
	if stride < 1 {
		stride = DefaultStride
	}
	return &Sampler{src: src, stride: stride}
}

// Open starts decoding path with ffmpeg. An unopenable source gives an empty sequence whose
// Err reports ErrVideoUnreadable.
func Open(ctx context.Context, path string, stride int) *Sampler {
	src, err := OpenFFmpeg(ctx, path)
	if err != nil {
		s := NewSampler(nil, stride)
		s.err = err
		s.done = true
		return s
	}
	return NewSampler(src, stride)
}

// Next advances to the next sampled frame. It returns false when the video is exhausted or
// decoding failed.
func (s *Sampler) Next() bool {
	for !s.done {
		if s.Limit > 0 && s.counter >= s.Limit {
			s.done = true
			return false
		}

		data, err := s.src.ReadFrame()
		if err != nil {
			s.done = true
			switch {
			case errors.Is(err, io.EOF) && s.counter == 0:
				s.err = ErrVideoUnreadable
			case errors.Is(err, io.EOF):
			case s.counter == 0:
				s.err = fmt.Errorf("%w: %v", ErrVideoUnreadable, err)
			default:
				s.err = fmt.Errorf("%w after frame %d: %v", ErrDecodeFailed, s.counter, err)
			}
			return false
		}

		s.counter++
		if s.OnRead != nil {
			s.OnRead(s.counter)
		}

		if s.counter%s.stride == 0 {
			s.current = Frame{
				Index:     s.counter,
				Timestamp: Timestamp(s.counter, s.src.FPS()),
				Data:      data,
			}
			return true
		}
	}
	return false
}

// Frame returns the frame produced by the last successful Next.
func (s *Sampler) Frame() Frame {
	return s.current
}

// FramesRead is the total number of decoded frames so far, sampled or not.
func (s *Sampler) FramesRead() int {
	return s.counter
}

// Err reports why the sequence ended early, or nil on a clean end of stream.
func (s *Sampler) Err() error {
	return s.err
}

// Close releases the decoder.
func (s *Sampler) Close() error {
	s.done = true
	if s.src == nil {
		return nil
	}
	return s.src.Close()
}

// Timestamp is the presentation time of the 1-based frame counter, rounded to 2 decimals.
func Timestamp(counter int, fps float64) float64 {
	if fps <= 0 || counter < 1 {
		return 0
	}
	return math.Round(float64(counter-1)/fps*100) / 100
}
