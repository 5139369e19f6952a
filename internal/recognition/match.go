package recognition

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/andresmejia3/facefinder/internal/embedding"
)

// CosineDistance is 1 - cos(a, b): 0 for identical direction, 2 for opposite.
// Vectors of different length or with zero magnitude are treated as unrelated (distance 1).
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// Confidence converts a distance to the 0-100 scale. It is not clamped.
func Confidence(distance float64) float64 {
	return 100 - distance*100
}

// Match is the best reference found for one detected face.
type Match struct {
	ReferenceID string
	Name        string
	Confidence  float64
}

// Engine compares faces found in a frame against a reference set.
type Engine struct {
	provider  embedding.Provider
	threshold float64
	logger    *slog.Logger
}

// NewEngine creates an engine. threshold is a fraction, e.g. 0.6.
func NewEngine(provider embedding.Provider, threshold float64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{provider: provider, threshold: threshold, logger: logger}
}

// Evaluate detects every face in img and returns one Match per face that clears the threshold,
// in detection order. A failure on one face is logged and skips only that face; a detection
// failure fails the whole frame.
func (e *Engine) Evaluate(ctx context.Context, img image.Image, refs *ReferenceSet) ([]Match, error) {
	faces, err := e.provider.DetectFaces(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	var matches []Match
	for i, face := range faces {
		if err := ctx.Err(); err != nil {
			return matches, err
		}
		vec, err := embedFace(ctx, e.provider, face)
		if err != nil {
			e.logger.Warn("skipping face", "face", i, "error", err)
			continue
		}
		if m, ok := e.Best(vec, refs); ok {
			matches = append(matches, m)
		}
	}
	return matches, nil
}

// Best returns the reference with the highest confidence above the threshold.
// Comparison is strictly greater, so on a tie the earlier reference wins.
func (e *Engine) Best(vec []float32, refs *ReferenceSet) (Match, bool) {
	var best Match
	found := false
	bestConfidence := 0.0
	for _, ref := range refs.All() {
		c := Confidence(CosineDistance(ref.Embedding, vec))
		if c > e.threshold*100 && c > bestConfidence {
			best = Match{ReferenceID: ref.ID, Name: ref.Name, Confidence: c}
			bestConfidence = c
			found = true
		}
	}
	return best, found
}

// Scores returns the confidence of vec against every reference, in reference order,
// without applying the threshold.
func (e *Engine) Scores(vec []float32, refs *ReferenceSet) []Match {
	out := make([]Match, 0, refs.Len())
	for _, ref := range refs.All() {
		out = append(out, Match{
			ReferenceID: ref.ID,
			Name:        ref.Name,
			Confidence:  Confidence(CosineDistance(ref.Embedding, vec)),
		})
	}
	return out
}

// Threshold returns the match threshold as a fraction.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Probe scores every face detected in img against every reference. Faces that fail to embed
// are left out.
func (e *Engine) Probe(ctx context.Context, img image.Image, refs *ReferenceSet) ([][]Match, error) {
	faces, err := e.provider.DetectFaces(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}

	var out [][]Match
	for i, face := range faces {
		vec, err := embedFace(ctx, e.provider, face)
		if err != nil {
			e.logger.Warn("skipping face", "face", i, "error", err)
			continue
		}
		out = append(out, e.Scores(vec, refs))
	}
	return out, nil
}
