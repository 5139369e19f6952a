package recognition

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/facefinder/internal/logger"
	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/video"
)

type harness struct {
	t        *testing.T
	store    *store.Memory
	provider *fakeProvider
	cfg      Config
	uploads  string
	opens    int
}

func newHarness(t *testing.T, frames [][]byte) *harness {
	h := &harness{
		t:        t,
		store:    store.NewMemory(),
		provider: &fakeProvider{},
		uploads:  t.TempDir(),
	}
	h.cfg = Config{
		Threshold: 0.6,
		Stride:    5,
		ResultDir: filepath.Join(t.TempDir(), "results"),
		Now:       func() time.Time { return reportClock },
		OpenVideo: func(ctx context.Context, path string) (video.FrameSource, error) {
			h.opens++
			if frames == nil {
				return nil, video.ErrVideoUnreadable
			}
			return video.NewMemorySource(frames, 25), nil
		},
	}
	return h
}

// submit creates a task with the given reference images and a placeholder video file.
func (h *harness) submit(refs map[string]any) (string, string, []string) {
	h.t.Helper()
	ctx := context.Background()
	taskID, err := h.store.CreateTask(ctx, "")
	if err != nil {
		h.t.Fatal(err)
	}

	var paths []string
	for _, name := range []string{"Alice", "Bob", "Ghost", "Broken", "Twin"} {
		c, ok := refs[name]
		if !ok {
			continue
		}
		var path string
		switch v := c.(type) {
		case string:
			path = filepath.Join(h.uploads, taskID+"_"+name+".jpg")
			os.WriteFile(path, []byte(v), 0o644)
		default:
			path = writeImage(h.t, h.uploads, taskID+"_"+name+".png", v.(color.RGBA))
		}
		paths = append(paths, path)
		h.store.RecordReferenceImage(ctx, taskID, path, name)
	}

	videoPath := filepath.Join(h.uploads, taskID+"_video.mp4")
	os.WriteFile(videoPath, []byte("video"), 0o644)
	return taskID, videoPath, paths
}

func (h *harness) orchestrator() *Orchestrator {
	return NewOrchestrator(h.cfg, h.provider, h.store, logger.Discard())
}

func assertDeleted(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Transient input %s was not deleted", p)
		}
	}
}

func TestRun_ReportsFramesWithFace(t *testing.T) {
	h := newHarness(t, videoWithFaces(t, 25, 5, 20))
	taskID, videoPath, refs := h.submit(map[string]any{"Alice": alice})

	res, err := h.orchestrator().Run(context.Background(), taskID, videoPath)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != store.StatusDone || res.FramesRead != 25 || res.Matches != 2 {
		t.Errorf("Unexpected result %+v", res)
	}

	task, _ := h.store.GetTask(context.Background(), taskID)
	if task.Status != store.StatusDone {
		t.Errorf("Expected done, got %s", task.Status)
	}
	if task.ResultPath != filepath.Join(h.cfg.ResultDir, taskID+".txt") {
		t.Errorf("Unexpected result path %q", task.ResultPath)
	}

	report, err := os.ReadFile(task.ResultPath)
	if err != nil {
		t.Fatalf("Report not written: %v", err)
	}
	want := strings.Join([]string{
		"Face recognition report generated at 2026-10-16 12:00:00, reference faces: 1",
		"--------------------------------------------------",
		"2026-10-16 12:00:00,000 - at 0.16 sec: detected face 'Alice' with confidence 100.0%",
		"2026-10-16 12:00:00,000 - at 0.76 sec: detected face 'Alice' with confidence 100.0%",
		"--------------------------------------------------",
		"Processing complete. Total frames processed: 25.",
		"",
	}, "\n")
	if string(report) != want {
		t.Errorf("Report mismatch.\ngot:\n%s\nwant:\n%s", report, want)
	}

	assertDeleted(t, append(refs, videoPath)...)
}

func TestRun_StrideSamplingFooter(t *testing.T) {
	h := newHarness(t, videoWithFaces(t, 12))
	taskID, videoPath, _ := h.submit(map[string]any{"Alice": alice})

	res, err := h.orchestrator().Run(context.Background(), taskID, videoPath)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	detects := h.provider.detectCalls.Load()

	// One detection for the reference, then frames 5 and 10 only
	if detects != 3 {
		t.Errorf("Expected 3 detect calls, got %d", detects)
	}
	if res.FramesRead != 12 {
		t.Errorf("Expected 12 frames read, got %d", res.FramesRead)
	}
	report, _ := os.ReadFile(res.ResultPath)
	if !strings.HasSuffix(string(report), "Total frames processed: 12.\n") {
		t.Errorf("Unexpected footer in %q", report)
	}
}

func TestRun_EmptyReferenceSetFailsWithoutScanning(t *testing.T) {
	h := newHarness(t, videoWithFaces(t, 25, 5))
	taskID, videoPath, refs := h.submit(map[string]any{
		"Ghost":  nobody,
		"Broken": "not an image",
	})

	res, err := h.orchestrator().Run(context.Background(), taskID, videoPath)
	if !errors.Is(err, ErrRunFailed) || !errors.Is(err, ErrEmptyReferenceSet) {
		t.Fatalf("Expected ErrEmptyReferenceSet, got %v", err)
	}
	if h.opens != 0 {
		t.Errorf("Video was opened %d times", h.opens)
	}

	task, _ := h.store.GetTask(context.Background(), taskID)
	if task.Status != store.StatusError || task.ResultPath != "" || res.ResultPath != "" {
		t.Errorf("Expected error without result, got %+v", task)
	}
	assertDeleted(t, append(refs, videoPath)...)
}

func TestRun_SkipsBadReferences(t *testing.T) {
	h := newHarness(t, videoWithFaces(t, 10, 5))
	taskID, videoPath, _ := h.submit(map[string]any{
		"Alice":  alice,
		"Ghost":  nobody,
		"Broken": "garbage",
	})

	res, err := h.orchestrator().Run(context.Background(), taskID, videoPath)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.References != 1 || res.Matches != 1 {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestRun_TieBreakAndIdempotentOrder(t *testing.T) {
	frames := videoWithFaces(t, 30, 5, 15, 30)

	var first []string
	for run := 0; run < 3; run++ {
		h := newHarness(t, frames)
		// Alice and Twin embed identically; Alice is inserted first
		taskID, videoPath, _ := h.submit(map[string]any{"Alice": alice, "Twin": alice})

		res, err := h.orchestrator().Run(context.Background(), taskID, videoPath)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		report, _ := os.ReadFile(res.ResultPath)
		lines := eventLines(string(report))

		if len(lines) != 3 {
			t.Fatalf("Expected 3 events, got %v", lines)
		}
		for _, l := range lines {
			if !strings.Contains(l, "'Alice'") {
				t.Errorf("Tie should go to the first reference: %s", l)
			}
		}
		if run == 0 {
			first = lines
			continue
		}
		if strings.Join(lines, "\n") != strings.Join(first, "\n") {
			t.Errorf("Run %d order differs:\n%v\n%v", run, lines, first)
		}
	}
}

func eventLines(report string) []string {
	var out []string
	for _, l := range strings.Split(report, "\n") {
		if strings.Contains(l, "detected face") {
			out = append(out, l)
		}
	}
	return out
}

func TestRun_UnreadableVideoPolicy(t *testing.T) {
	t.Run("default reports nothing", func(t *testing.T) {
		h := newHarness(t, nil)
		taskID, videoPath, _ := h.submit(map[string]any{"Alice": alice})

		res, err := h.orchestrator().Run(context.Background(), taskID, videoPath)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		report, _ := os.ReadFile(res.ResultPath)
		if len(eventLines(string(report))) != 0 || !strings.Contains(string(report), "Total frames processed: 0.") {
			t.Errorf("Expected empty report, got %q", report)
		}
	})

	t.Run("empty stream reports nothing", func(t *testing.T) {
		h := newHarness(t, [][]byte{})
		taskID, videoPath, _ := h.submit(map[string]any{"Alice": alice})

		res, err := h.orchestrator().Run(context.Background(), taskID, videoPath)
		if err != nil || res.Status != store.StatusDone {
			t.Fatalf("Expected done, got %+v, %v", res, err)
		}
	})

	t.Run("strict policy fails", func(t *testing.T) {
		h := newHarness(t, nil)
		h.cfg.FailOnUnreadableVideo = true
		taskID, videoPath, _ := h.submit(map[string]any{"Alice": alice})

		_, err := h.orchestrator().Run(context.Background(), taskID, videoPath)
		if !errors.Is(err, ErrVideoUnreadable) {
			t.Fatalf("Expected ErrVideoUnreadable, got %v", err)
		}
		task, _ := h.store.GetTask(context.Background(), taskID)
		if task.Status != store.StatusError {
			t.Errorf("Expected error status, got %s", task.Status)
		}
		if _, err := os.Stat(ResultPath(h.cfg.ResultDir, taskID)); !os.IsNotExist(err) {
			t.Error("No report should exist for a failed run")
		}
	})
}

func TestRun_CancellationBetweenFrames(t *testing.T) {
	h := newHarness(t, videoWithFaces(t, 50, 5, 10, 40))
	taskID, videoPath, refs := h.submit(map[string]any{"Alice": alice})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := h.orchestrator().Run(ctx, taskID, videoPath, WithProgress(func(n int) {
		if n == 12 {
			cancel()
		}
	}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected cancellation, got %v", err)
	}
	if res.FramesRead >= 50 {
		t.Errorf("Decoding should stop early, read %d frames", res.FramesRead)
	}

	task, _ := h.store.GetTask(context.Background(), taskID)
	if task.Status != store.StatusError {
		t.Errorf("Expected error status after cancellation, got %s", task.Status)
	}
	if _, err := os.Stat(ResultPath(h.cfg.ResultDir, taskID)); !os.IsNotExist(err) {
		t.Error("Partial report must be discarded")
	}
	assertDeleted(t, append(refs, videoPath)...)
}

func TestRun_MaxFrames(t *testing.T) {
	h := newHarness(t, videoWithFaces(t, 25, 5, 20))
	h.cfg.MaxFrames = 12
	taskID, videoPath, _ := h.submit(map[string]any{"Alice": alice})

	res, err := h.orchestrator().Run(context.Background(), taskID, videoPath)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.FramesRead != 12 || res.Matches != 1 {
		t.Errorf("Expected 12 frames and 1 match, got %+v", res)
	}
}

func TestRun_SecondRunCannotRevisitTerminalState(t *testing.T) {
	h := newHarness(t, videoWithFaces(t, 10, 5))
	taskID, videoPath, _ := h.submit(map[string]any{"Alice": alice})

	if _, err := h.orchestrator().Run(context.Background(), taskID, videoPath); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	// Inputs are gone, so the rerun cannot build references and tries to fail the task
	if _, err := h.orchestrator().Run(context.Background(), taskID, videoPath); err == nil {
		t.Fatal("Expected the rerun to fail")
	}
	task, _ := h.store.GetTask(context.Background(), taskID)
	if task.Status != store.StatusDone {
		t.Errorf("Terminal state was revisited: %s", task.Status)
	}
}

// listFailingStore loses its connection when asked for reference images.
type listFailingStore struct {
	*store.Memory
}

func (s listFailingStore) ListReferenceImages(ctx context.Context, taskID string) ([]store.ReferenceImage, error) {
	return nil, errors.New("db down")
}

func TestRun_DeletesInputsWhenReferencesCannotBeListed(t *testing.T) {
	h := newHarness(t, videoWithFaces(t, 10, 5))
	taskID, videoPath, refs := h.submit(map[string]any{"Alice": alice, "Bob": bob})

	orch := NewOrchestrator(h.cfg, h.provider, listFailingStore{h.store}, logger.Discard())
	res, err := orch.Run(context.Background(), taskID, videoPath, WithInputs(refs...))
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("Expected ErrRunFailed, got %v", err)
	}
	if res.Status != store.StatusError {
		t.Errorf("Expected error status, got %s", res.Status)
	}
	if h.opens != 0 {
		t.Errorf("Video opened %d times after the listing failed", h.opens)
	}
	assertDeleted(t, append(refs, videoPath)...)
}
