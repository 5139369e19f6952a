package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/andresmejia3/facefinder/internal/config"
	"github.com/andresmejia3/facefinder/internal/embedding"
	"github.com/andresmejia3/facefinder/internal/recognition"
	"github.com/andresmejia3/facefinder/internal/utils"
	"github.com/andresmejia3/facefinder/internal/worker"
)

// newProvider starts the configured face model. The returned func releases it.
// ctx bounds the lifetime of a python worker process.
func newProvider(ctx context.Context, cfg config.EmbeddingConfig) (embedding.Provider, func(), error) {
	switch strings.ToLower(cfg.Provider) {
	case "http":
		return embedding.NewHTTPProvider(cfg.URL, cfg.InputSize, cfg.Timeout), func() {}, nil
	case "python", "":
		w, err := worker.NewPythonWorker(ctx, 1, worker.Config{
			Python:    cfg.Command,
			Script:    cfg.Script,
			InputSize: cfg.InputSize,
		})
		if err != nil {
			utils.ShowError("Failed to start model worker", err, nil)
			return nil, nil, err
		}
		return w, w.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// recognitionConfig maps the loaded settings onto a run configuration.
func recognitionConfig(cfg *config.Config) recognition.Config {
	rc := recognition.DefaultConfig()
	rc.Threshold = cfg.Recognition.Threshold
	rc.Stride = cfg.Recognition.Stride
	rc.RunTimeout = cfg.Recognition.RunTimeout
	rc.MaxFrames = cfg.Recognition.MaxFrames
	rc.FailOnUnreadableVideo = cfg.Recognition.FailOnUnreadableVideo
	rc.ResultDir = cfg.Storage.ResultDir
	return rc
}
