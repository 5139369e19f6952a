package types

// FaceBox is a detected face region coming back from a model worker
type FaceBox struct {
	Loc   []int   `json:"loc"`   // [x1, y1, x2, y2] in pixels
	Score float64 `json:"score"` // detector confidence, informational only
}

// ErrorResult captures the error object returned by a model service on failure
type ErrorResult struct {
	Error string `json:"error"`
}
