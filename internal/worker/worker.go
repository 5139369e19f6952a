package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/facefinder/internal/embedding"
	"github.com/andresmejia3/facefinder/internal/types"
	"github.com/andresmejia3/facefinder/internal/utils"
)

// Request opcodes understood by the model worker.
const (
	opDetect byte = 1
	opEmbed  byte = 2
)

// Response status bytes.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// Config describes how to launch the model worker process.
type Config struct {
	Python    string // interpreter, defaults to python3
	Script    string // worker script, defaults to python/worker.py
	InputSize int    // square face edge expected by the model
}

// PythonWorker is a long-lived model process reached through a length-prefixed pipe protocol.
// One request is in flight at a time; concurrent runs queue on the mutex.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	inputSize int
	mu        sync.Mutex
}

var _ embedding.Provider = (*PythonWorker)(nil)

// NewPythonWorker starts the worker process. ctx bounds the process lifetime, not a single call.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "python/worker.py"
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = embedding.DefaultInputSize
	}

	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script)

	// Create a side-channel pipe (FD 3) so stray prints on stdout never corrupt the protocol
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:        id,
		Cmd:       py,
		Stdin:     stdin,
		DataPipe:  r,
		inputSize: cfg.InputSize,
	}, nil
}

// InputSize returns the square edge the model expects.
func (w *PythonWorker) InputSize() int {
	if w.inputSize <= 0 {
		return embedding.DefaultInputSize
	}
	return w.inputSize
}

// DetectFaces sends img as JPEG and crops the returned boxes.
func (w *PythonWorker) DetectFaces(ctx context.Context, img image.Image) ([]image.Image, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	body, err := w.communicate(ctx, opDetect, buf.Bytes())
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(body)
	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}

	// Each box is 16 bytes; a count the body cannot hold is a corrupt response
	if int64(numFaces)*16 > int64(r.Len()) {
		return nil, fmt.Errorf("face count %d exceeds response size %d", numFaces, len(body))
	}
	boxes := make([]types.FaceBox, 0, numFaces)
	for i := 0; i < int(numFaces); i++ {
		var loc [4]int32
		if err := binary.Read(r, binary.BigEndian, &loc); err != nil {
			return nil, fmt.Errorf("failed to read box %d: %w", i, err)
		}
		boxes = append(boxes, types.FaceBox{Loc: []int{int(loc[0]), int(loc[1]), int(loc[2]), int(loc[3])}})
	}
	return embedding.CropFaces(img, boxes), nil
}

// Embed sends a normalized tensor and reads back the embedding vector.
func (w *PythonWorker) Embed(ctx context.Context, face embedding.Tensor) ([]float32, error) {
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, uint32(face.Size))
	if err := binary.Write(payload, binary.BigEndian, face.Data); err != nil {
		return nil, fmt.Errorf("failed to encode tensor: %w", err)
	}

	body, err := w.communicate(ctx, opEmbed, payload.Bytes())
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(body)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("failed to read embedding size: %w", err)
	}
	if dim == 0 {
		return nil, errors.New("empty embedding returned")
	}
	if int64(dim)*4 > int64(r.Len()) {
		return nil, fmt.Errorf("embedding size %d exceeds response size %d", dim, len(body))
	}
	vec := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("failed to read embedding: %w", err)
	}
	return vec, nil
}

// communicate performs one request/response exchange.
// Protocol: [Length][Op][Payload] -> [Length][Status][Body]
func (w *PythonWorker) communicate(ctx context.Context, op byte, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write([]byte{op}); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed worker surfaces here
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 {
		return nil, errors.New("python worker sent an empty response")
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}

	switch respBody[0] {
	case statusOK:
		return respBody[1:], nil
	case statusError:
		r := bytes.NewReader(respBody[1:])
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("python worker error: unreadable message: %w", err)
		}
		msg := make([]byte, msgLen)
		io.ReadFull(r, msg)
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("python worker sent unknown status %d", respBody[0])
	}
}

// Close shuts the worker down and waits for it to exit.
func (w *PythonWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
