// Package recognition runs the face-in-video pipeline: build the reference set, sample the
// video, match faces, write the report and record the terminal task state.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/facefinder/internal/embedding"
	"github.com/andresmejia3/facefinder/internal/logger"
	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/video"
)

// TaskStore is the part of the task store a run needs.
type TaskStore interface {
	ListReferenceImages(ctx context.Context, taskID string) ([]store.ReferenceImage, error)
	SetTerminalStatus(ctx context.Context, taskID string, status store.Status, resultPath string) error
}

// Result summarizes a finished run.
type Result struct {
	TaskID     string
	Status     store.Status
	ResultPath string
	References int
	FramesRead int
	Matches    int
}

// RunOption customizes a single run.
type RunOption func(*runOptions)

type runOptions struct {
	progress func(frames int)
	inputs   []string
}

// WithProgress reports the running count of decoded frames.
func WithProgress(fn func(frames int)) RunOption {
	return func(o *runOptions) { o.progress = fn }
}

// WithInputs names the uploaded reference images of the task. They are deleted with the
// video even when the store cannot list them.
func WithInputs(paths ...string) RunOption {
	return func(o *runOptions) { o.inputs = append(o.inputs, paths...) }
}

// Orchestrator drives recognition runs. It is safe for concurrent use; every run owns its
// reference set and report, and only the provider and store are shared.
type Orchestrator struct {
	cfg      Config
	provider embedding.Provider
	store    TaskStore
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator around a long-lived provider.
func NewOrchestrator(cfg Config, provider embedding.Provider, tasks TaskStore, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		provider: provider,
		store:    tasks,
		logger:   log,
	}
}

// Run processes one task to a terminal state. The returned error is non-nil exactly when the
// task ended in the error state; it wraps ErrRunFailed and the cause.
//
// The reference images and the video are deleted when Run returns, whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context, taskID, videoPath string, opts ...RunOption) (Result, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	ctx = logger.WithTaskID(ctx, taskID)
	log := logger.FromContext(ctx, o.logger)
	res := Result{TaskID: taskID}

	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	log.Info("recognition started", "video", videoPath)

	refs, err := o.store.ListReferenceImages(ctx, taskID)
	defer o.cleanup(log, refs, ro.inputs, videoPath)
	if err != nil {
		return o.fail(ctx, log, res, fmt.Errorf("failed to load reference images: %w", err))
	}

	// 1. Reference set, rebuilt for every run
	builder := NewReferenceBuilder(o.provider)
	for i, ref := range refs {
		id := strconv.Itoa(i + 1)
		if err := builder.Add(ctx, ref.Location, id, ref.Name); err != nil {
			if ctx.Err() != nil {
				return o.fail(ctx, log, res, ctx.Err())
			}
			log.Warn("reference image skipped", "image", ref.Location, "error", err)
			continue
		}
	}
	set := builder.Set()
	res.References = set.Len()
	if set.Len() == 0 {
		return o.fail(ctx, log, res, ErrEmptyReferenceSet)
	}
	log.Info("reference set built", "references", set.Len(), "submitted", len(refs))

	// 2. Sample and match
	report := NewReport(o.cfg.Now(), set.Len())
	framesRead, err := o.scan(ctx, log, videoPath, set, report, ro)
	res.FramesRead = framesRead
	if err != nil {
		return o.fail(ctx, log, res, err)
	}
	report.Finish(framesRead)
	res.Matches = len(report.Events())

	// 3. Persist the report
	path, err := report.Write(o.cfg.ResultDir, taskID)
	if err != nil {
		return o.fail(ctx, log, res, err)
	}

	// 4. Terminal transition
	if err := o.store.SetTerminalStatus(context.WithoutCancel(ctx), taskID, store.StatusDone, path); err != nil {
		if rmErr := RemoveResults(o.cfg.ResultDir, taskID); rmErr != nil {
			log.Warn("failed to remove report", "error", rmErr)
		}
		return o.fail(ctx, log, res, fmt.Errorf("failed to record completion: %w", err))
	}

	res.Status = store.StatusDone
	res.ResultPath = path
	log.Info("recognition finished",
		"frames", res.FramesRead,
		"matches", res.Matches,
		"report", path,
		"duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// scan walks the sampled frames and appends every match to the report.
// It returns the number of decoded frames.
func (o *Orchestrator) scan(ctx context.Context, log *slog.Logger, videoPath string, set *ReferenceSet, report *Report, ro runOptions) (int, error) {
	src, err := o.cfg.OpenVideo(ctx, videoPath)
	if err != nil {
		if o.cfg.FailOnUnreadableVideo || !errors.Is(err, video.ErrVideoUnreadable) {
			return 0, err
		}
		log.Warn("video could not be opened, reporting no matches", "error", err)
		return 0, nil
	}

	sampler := video.NewSampler(src, o.cfg.Stride)
	sampler.Limit = o.cfg.MaxFrames
	sampler.OnRead = ro.progress
	defer sampler.Close()

	engine := NewEngine(o.provider, o.cfg.Threshold, log)

	for sampler.Next() {
		if err := ctx.Err(); err != nil {
			return sampler.FramesRead(), err
		}

		frame := sampler.Frame()
		img, err := frame.Decode()
		if err != nil {
			log.Warn("frame skipped", "frame", frame.Index, "error", err)
			report.AddFrameError(frame.Index, err)
			continue
		}

		matches, err := engine.Evaluate(ctx, img, set)
		if err != nil {
			if ctx.Err() != nil {
				return sampler.FramesRead(), ctx.Err()
			}
			log.Warn("frame skipped", "frame", frame.Index, "error", err)
			report.AddFrameError(frame.Index, err)
			continue
		}
		for _, m := range matches {
			report.AddMatch(o.cfg.Now(), frame.Index, frame.Timestamp, m)
			log.Debug("face detected", "name", m.Name, "timestamp", frame.Timestamp, "confidence", m.Confidence)
		}
	}

	if err := ctx.Err(); err != nil {
		return sampler.FramesRead(), err
	}

	switch err := sampler.Err(); {
	case err == nil:
	case errors.Is(err, video.ErrVideoUnreadable):
		if o.cfg.FailOnUnreadableVideo {
			return 0, err
		}
		log.Warn("video yielded no frames, reporting no matches", "error", err)
	default:
		// Decoding stopped mid-stream; everything up to here stands
		log.Warn("video decoding stopped early", "frames", sampler.FramesRead(), "error", err)
	}
	return sampler.FramesRead(), nil
}

// fail moves the task to the error state. The partial report, if any, is never written.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, res Result, cause error) (Result, error) {
	res.Status = store.StatusError
	res.ResultPath = ""

	// The run context may already be cancelled; the transition must still land
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.store.SetTerminalStatus(storeCtx, res.TaskID, store.StatusError, ""); err != nil {
		log.Error("failed to record task failure", "error", err)
	}

	log.Error("recognition failed", "error", cause)
	return res, fmt.Errorf("%w: %w", ErrRunFailed, cause)
}

// cleanup deletes the transient inputs of a run. Failures are logged only.
func (o *Orchestrator) cleanup(log *slog.Logger, refs []store.ReferenceImage, inputs []string, videoPath string) {
	paths := make([]string, 0, len(refs)+len(inputs)+1)
	for _, ref := range refs {
		paths = append(paths, ref.Location)
	}
	paths = append(paths, inputs...)
	paths = append(paths, videoPath)

	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to delete transient input", "path", p, "error", err)
		}
	}
}
