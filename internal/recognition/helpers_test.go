package recognition

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/andresmejia3/facefinder/internal/embedding"
)

// Colors understood by fakeProvider. A red channel above 100 means "there is a face".
var (
	alice  = color.RGBA{R: 255, A: 255}
	bob    = color.RGBA{R: 180, A: 255}
	nobody = color.RGBA{A: 255}
)

// fakeProvider treats the whole image as one face when it is red enough, and embeds
// bright red as [1,0] and dimmer red as [0,1].
type fakeProvider struct {
	detectCalls atomic.Int32
	failEmbed   error
}

func (p *fakeProvider) DetectFaces(ctx context.Context, img image.Image) ([]image.Image, error) {
	p.detectCalls.Add(1)
	r, _, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	if r>>8 <= 100 {
		return nil, nil
	}
	return []image.Image{img}, nil
}

func (p *fakeProvider) Embed(ctx context.Context, face embedding.Tensor) ([]float32, error) {
	if p.failEmbed != nil {
		return nil, p.failEmbed
	}
	if len(face.Data) == 0 {
		return nil, errors.New("empty tensor")
	}
	if face.Data[0] > 0.9 {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (p *fakeProvider) InputSize() int { return 8 }

func solidImage(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(c)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// writeImage stores a solid PNG in dir and returns its path.
func writeImage(t *testing.T, dir, name string, c color.RGBA) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, encodePNG(t, c), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// videoWithFaces builds n encoded frames; the 1-based positions in faceAt show alice.
func videoWithFaces(t *testing.T, n int, faceAt ...int) [][]byte {
	t.Helper()
	present := make(map[int]bool)
	for _, i := range faceAt {
		present[i] = true
	}
	withFace := encodePNG(t, alice)
	empty := encodePNG(t, nobody)

	frames := make([][]byte, n)
	for i := range frames {
		if present[i+1] {
			frames[i] = withFace
		} else {
			frames[i] = empty
		}
	}
	return frames
}
