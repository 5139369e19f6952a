package recognition

import (
	"context"
	"fmt"
	"image"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/andresmejia3/facefinder/internal/embedding"
)

// Reference is one target face.
type Reference struct {
	ID        string
	Embedding []float32
	Name      string
}

// ReferenceSet is an insertion-ordered mapping id -> reference. Order decides match ties.
type ReferenceSet struct {
	entries []Reference
	index   map[string]int
}

// NewReferenceSet creates an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{index: make(map[string]int)}
}

// Put stores ref under its id. Replacing an existing id keeps its original position.
func (s *ReferenceSet) Put(ref Reference) {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if i, ok := s.index[ref.ID]; ok {
		s.entries[i] = ref
		return
	}
	s.index[ref.ID] = len(s.entries)
	s.entries = append(s.entries, ref)
}

// Get looks a reference up by id.
func (s *ReferenceSet) Get(id string) (Reference, bool) {
	i, ok := s.index[id]
	if !ok {
		return Reference{}, false
	}
	return s.entries[i], true
}

// All returns the references in insertion order. The slice must not be modified.
func (s *ReferenceSet) All() []Reference {
	return s.entries
}

// Len is the number of references.
func (s *ReferenceSet) Len() int {
	return len(s.entries)
}

// Clear removes every reference.
func (s *ReferenceSet) Clear() {
	s.entries = nil
	s.index = make(map[string]int)
}

// ReferenceBuilder turns reference images into embeddings using a shared provider.
type ReferenceBuilder struct {
	provider embedding.Provider
	set      *ReferenceSet
}

// NewReferenceBuilder creates a builder with an empty set.
func NewReferenceBuilder(provider embedding.Provider) *ReferenceBuilder {
	return &ReferenceBuilder{provider: provider, set: NewReferenceSet()}
}

// Add reads the image at location, embeds its first detected face and stores it under id.
// EXIF orientation is applied so rotated phone photos detect like upright ones.
// On failure the set is unchanged.
func (b *ReferenceBuilder) Add(ctx context.Context, location, id, name string) error {
	img, err := imaging.Open(location, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreadableImage, location, err)
	}

	faces, err := b.provider.DetectFaces(ctx, img)
	if err != nil {
		return fmt.Errorf("face detection failed for %s: %w", location, err)
	}
	if len(faces) == 0 {
		return fmt.Errorf("%w: %s", ErrNoFaceDetected, location)
	}

	vec, err := embedFace(ctx, b.provider, faces[0])
	if err != nil {
		return fmt.Errorf("failed to embed reference %s: %w", location, err)
	}

	b.set.Put(Reference{ID: id, Embedding: vec, Name: DisplayName(name, id)})
	return nil
}

// Set returns the set being built.
func (b *ReferenceBuilder) Set() *ReferenceSet {
	return b.set
}

// Clear empties the set.
func (b *ReferenceBuilder) Clear() {
	b.set.Clear()
}

// embedFace is the one normalization path shared by references and video frames.
func embedFace(ctx context.Context, p embedding.Provider, face image.Image) ([]float32, error) {
	tensor, err := embedding.Normalize(face, p.InputSize())
	if err != nil {
		return nil, err
	}
	return p.Embed(ctx, tensor)
}

var nameCleaner = transform.Chain(norm.NFC, runes.Remove(runes.In(unicode.Cc)))

// DisplayName cleans a user supplied label. Blank labels become "Face <id>".
// Control characters are removed so a name always fits on one report line.
func DisplayName(name, id string) string {
	cleaned := strings.Join(strings.Fields(name), " ")
	if out, _, err := transform.String(nameCleaner, cleaned); err == nil {
		cleaned = strings.TrimSpace(out)
	}
	if cleaned == "" {
		return "Face " + id
	}
	return cleaned
}
