package recognition

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineDistance(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineDistance() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfidence_SymmetricAndSelf(t *testing.T) {
	a := []float32{0.3, -1.2, 4.5, 0.01}
	b := []float32{-2.2, 0.4, 1.1, 3.3}

	if ab, ba := Confidence(CosineDistance(a, b)), Confidence(CosineDistance(b, a)); ab != ba {
		t.Errorf("Confidence is not symmetric: %v vs %v", ab, ba)
	}
	if c := Confidence(CosineDistance(a, a)); math.Abs(c-100) > 1e-9 {
		t.Errorf("Self confidence = %v, want 100", c)
	}
}

// pairAt returns a unit vector whose cosine distance from [1,0] is distance.
func pairAt(distance float64) []float32 {
	cos := 1 - distance
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

func TestEngine_Threshold(t *testing.T) {
	e := NewEngine(&fakeProvider{}, 0.6, nil)
	refs := NewReferenceSet()
	refs.Put(Reference{ID: "1", Embedding: []float32{1, 0}, Name: "Alice"})

	m, ok := e.Best(pairAt(0.3), refs)
	if !ok {
		t.Fatal("Distance 0.3 (confidence 70) should match at threshold 0.6")
	}
	if math.Abs(m.Confidence-70) > 1e-4 {
		t.Errorf("Expected confidence ~70, got %v", m.Confidence)
	}

	if _, ok := e.Best(pairAt(0.5), refs); ok {
		t.Error("Distance 0.5 (confidence 50) should not match at threshold 0.6")
	}
}

func TestEngine_TieGoesToFirstInserted(t *testing.T) {
	e := NewEngine(&fakeProvider{}, 0.6, nil)
	refs := NewReferenceSet()
	refs.Put(Reference{ID: "1", Embedding: []float32{1, 0}, Name: "First"})
	refs.Put(Reference{ID: "2", Embedding: []float32{2, 0}, Name: "Second"})

	for i := 0; i < 10; i++ {
		m, ok := e.Best([]float32{3, 0}, refs)
		if !ok || m.Name != "First" {
			t.Fatalf("Expected First on a tie, got %+v (ok=%v)", m, ok)
		}
	}
}

func TestEngine_PicksHighestConfidence(t *testing.T) {
	e := NewEngine(&fakeProvider{}, 0.6, nil)
	refs := NewReferenceSet()
	refs.Put(Reference{ID: "1", Embedding: pairAt(0.2), Name: "Close"})
	refs.Put(Reference{ID: "2", Embedding: []float32{1, 0}, Name: "Exact"})

	m, ok := e.Best([]float32{1, 0}, refs)
	if !ok || m.Name != "Exact" {
		t.Errorf("Expected Exact, got %+v", m)
	}
}

func TestEngine_Evaluate(t *testing.T) {
	ctx := context.Background()
	refs := NewReferenceSet()
	refs.Put(Reference{ID: "1", Embedding: []float32{1, 0}, Name: "Alice"})

	e := NewEngine(&fakeProvider{}, 0.6, nil)

	matches, err := e.Evaluate(ctx, solidImage(alice), refs)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Name != "Alice" {
		t.Errorf("Expected one Alice match, got %+v", matches)
	}

	// bob embeds orthogonally: detected but below threshold
	if matches, _ := e.Evaluate(ctx, solidImage(bob), refs); len(matches) != 0 {
		t.Errorf("Expected no match for bob, got %+v", matches)
	}

	// An embedding failure skips the face, not the frame
	failing := NewEngine(&fakeProvider{failEmbed: errors.New("model crashed")}, 0.6, nil)
	matches, err = failing.Evaluate(ctx, solidImage(alice), refs)
	if err != nil || len(matches) != 0 {
		t.Errorf("Expected skipped face without error, got %+v, %v", matches, err)
	}
}

func TestEngine_Probe(t *testing.T) {
	refs := NewReferenceSet()
	refs.Put(Reference{ID: "1", Embedding: []float32{1, 0}, Name: "Alice"})
	refs.Put(Reference{ID: "2", Embedding: []float32{0, 1}, Name: "Bob"})
	e := NewEngine(&fakeProvider{}, 0.6, nil)

	scores, err := e.Probe(context.Background(), solidImage(bob), refs)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if len(scores) != 1 || len(scores[0]) != 2 {
		t.Fatalf("Expected 1 face x 2 references, got %+v", scores)
	}
	if scores[0][0].Confidence != 0 || scores[0][1].Confidence != 100 {
		t.Errorf("Unexpected scores %+v", scores[0])
	}

	if _, err := e.Probe(context.Background(), solidImage(nobody), refs); !errors.Is(err, ErrNoFaceDetected) {
		t.Errorf("Expected ErrNoFaceDetected, got %v", err)
	}
}
