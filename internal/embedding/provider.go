// Package embedding defines the boundary to the face detection / embedding model and the
// normalization applied to a face crop before it is embedded.
package embedding

import (
	"context"
	"errors"
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"

	"github.com/andresmejia3/facefinder/internal/types"
)

// DefaultInputSize is the square input edge expected by Facenet-style models.
const DefaultInputSize = 160

// ErrEmptyCrop is returned when a detected box does not intersect the image.
var ErrEmptyCrop = errors.New("face box is outside the image")

// Provider detects faces and turns normalized face crops into embedding vectors.
// Implementations are long-lived and must be safe for concurrent use by several runs.
type Provider interface {
	// DetectFaces returns the face crops found in img, possibly none.
	DetectFaces(ctx context.Context, img image.Image) ([]image.Image, error)
	// Embed returns a fixed-length embedding for a normalized face.
	Embed(ctx context.Context, face Tensor) ([]float32, error)
	// InputSize is the square edge the model expects for Embed input.
	InputSize() int
}

// Tensor is a normalized RGB face crop in HWC order with values in [0,1].
type Tensor struct {
	Size int
	Data []float32
}

// Normalize resizes a face crop to size x size and scales each channel to [0,1].
func Normalize(face image.Image, size int) (Tensor, error) {
	if size <= 0 {
		size = DefaultInputSize
	}
	b := face.Bounds()
	if b.Empty() {
		return Tensor{}, ErrEmptyCrop
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), face, b, xdraw.Src, nil)

	data := make([]float32, 0, size*size*3)
	for i := 0; i < len(dst.Pix); i += 4 {
		data = append(data,
			float32(dst.Pix[i])/255,
			float32(dst.Pix[i+1])/255,
			float32(dst.Pix[i+2])/255,
		)
	}
	return Tensor{Size: size, Data: data}, nil
}

// CropFaces cuts the detected boxes out of img. Boxes are clipped to the image bounds;
// boxes that end up empty are skipped.
func CropFaces(img image.Image, boxes []types.FaceBox) []image.Image {
	bounds := img.Bounds()
	crops := make([]image.Image, 0, len(boxes))
	for _, box := range boxes {
		if len(box.Loc) != 4 {
			continue
		}
		rect := image.Rect(box.Loc[0], box.Loc[1], box.Loc[2], box.Loc[3]).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		crops = append(crops, crop(img, rect))
	}
	return crops
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func crop(img image.Image, rect image.Rectangle) image.Image {
	if s, ok := img.(subImager); ok {
		return s.SubImage(rect)
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}
