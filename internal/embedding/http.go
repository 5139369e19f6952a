package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/facefinder/internal/types"
)

const defaultEmbeddingURL = "http://localhost:8000"

// HTTPProvider talks to a face embedding service over HTTP.
//
// POST /detect takes a multipart "file" image and answers {"faces":[{"loc":[x1,y1,x2,y2]}]}.
// POST /embed takes {"size":N,"data":[...]} and answers {"embedding":[...]}.
type HTTPProvider struct {
	baseURL   string
	inputSize int
	client    *http.Client
}

// NewHTTPProvider creates a provider for the service at baseURL.
func NewHTTPProvider(baseURL string, inputSize int, timeout time.Duration) *HTTPProvider {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	if inputSize <= 0 {
		inputSize = DefaultInputSize
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		inputSize: inputSize,
		client:    &http.Client{Timeout: timeout},
	}
}

type detectResponse struct {
	Faces []types.FaceBox `json:"faces"`
}

type embedRequest struct {
	Size int       `json:"size"`
	Data []float32 `json:"data"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// InputSize returns the square edge the remote model expects.
func (p *HTTPProvider) InputSize() int {
	return p.inputSize
}

// DetectFaces uploads img as JPEG and crops the returned boxes locally.
func (p *HTTPProvider) DetectFaces(ctx context.Context, img image.Image) ([]image.Image, error) {
	var imgBuf bytes.Buffer
	if err := jpeg.Encode(&imgBuf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imgBuf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	body, err := p.post(ctx, "/detect", writer.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return CropFaces(img, resp.Faces), nil
}

// Embed sends the normalized tensor and returns the embedding.
func (p *HTTPProvider) Embed(ctx context.Context, face Tensor) ([]float32, error) {
	reqBody, err := json.Marshal(embedRequest{Size: face.Size, Data: face.Data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := p.post(ctx, "/embed", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	return resp.Embedding, nil
}

func (p *HTTPProvider) post(ctx context.Context, endpoint, contentType string, payload io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResult types.ErrorResult
		if json.Unmarshal(body, &errResult) == nil && errResult.Error != "" {
			return nil, fmt.Errorf("embedding service error (status %d): %s", resp.StatusCode, errResult.Error)
		}
		return nil, fmt.Errorf("embedding service error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
