package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facefinder/internal/embedding"
	"github.com/andresmejia3/facefinder/internal/recognition"
	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/utils"
)

var (
	videoPath  string
	imagePaths []string
	imageNames []string
	outputDir  string
	threshold  float64
	stride     int
	noProgress bool
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize",
	Short: "Run one recognition task locally and write the report",
	Long: `Runs the full pipeline without the API or database: embeds the reference images,
samples the video and writes <task>.txt and <task>.jsonl into the output directory.
Your input files are copied first and left untouched.`,
	Example: `  facefinder recognize -v clip.mp4 -i alice.jpg -n Alice -i bob.png -n Bob`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if videoPath == "" {
			return errors.New("--video is required")
		}
		if len(imagePaths) == 0 {
			return errors.New("at least one --image is required")
		}
		if len(imageNames) > len(imagePaths) {
			return fmt.Errorf("%d names given for %d images", len(imageNames), len(imagePaths))
		}
		return runRecognize(cmd)
	},
}

func init() {
	recognizeCmd.Flags().StringVarP(&videoPath, "video", "v", "", "Video to scan")
	recognizeCmd.Flags().StringArrayVarP(&imagePaths, "image", "i", nil, "Reference image (repeatable)")
	recognizeCmd.Flags().StringArrayVarP(&imageNames, "name", "n", nil, "Display name for the image at the same position (repeatable)")
	recognizeCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Report directory (default: storage.result_dir)")
	recognizeCmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "Similarity threshold in (0,1) (default: recognition.threshold)")
	recognizeCmd.Flags().IntVar(&stride, "stride", 0, "Analyze every Nth frame (default: recognition.stride)")
	recognizeCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	rootCmd.AddCommand(recognizeCmd)
}

func runRecognize(cmd *cobra.Command) error {
	ctx := cmd.Context()

	rc := recognitionConfig(Cfg)
	if outputDir != "" {
		rc.ResultDir = outputDir
	}
	if threshold > 0 {
		if threshold >= 1 {
			return fmt.Errorf("threshold must be below 1, got %v", threshold)
		}
		rc.Threshold = threshold
	}
	if stride > 0 {
		rc.Stride = stride
	}

	provider, release, err := newProvider(ctx, Cfg.Embedding)
	if err != nil {
		return err
	}
	defer release()

	var progress func(int)
	if !noProgress {
		// -1 renders a spinner when ffprobe cannot count frames
		total := utils.GetTotalFrames(ctx, videoPath)
		if total == 0 {
			total = -1
		}
		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🔍 Scanning"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowCount(),
		)
		defer bar.Finish()
		progress = func(n int) { bar.Set(n) }
	}

	res, err := recognizeLocal(ctx, rc, provider, videoPath, imagePaths, imageNames, progress)
	if err != nil {
		utils.ShowError("Recognition failed", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Done. %d frames decoded, %d matches against %d reference faces.\n",
		res.FramesRead, res.Matches, res.References)
	fmt.Println(res.ResultPath)
	return nil
}

// recognizeLocal stages copies of the inputs in a scratch directory and runs one task against
// an in-memory store. The run deletes its inputs, so the originals must never reach it.
func recognizeLocal(ctx context.Context, rc recognition.Config, provider embedding.Provider, video string, images, names []string, progress func(int)) (recognition.Result, error) {
	workspace, err := os.MkdirTemp("", "facefinder-*")
	if err != nil {
		return recognition.Result{}, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	tasks := store.NewMemory()
	taskID, err := tasks.CreateTask(ctx, "cli")
	if err != nil {
		return recognition.Result{}, err
	}

	stagedVideo, err := copyToWorkspace(workspace, video, "video")
	if err != nil {
		return recognition.Result{}, err
	}
	staged := make([]string, 0, len(images))
	for i, img := range images {
		path, err := copyToWorkspace(workspace, img, fmt.Sprintf("ref_%d", i))
		if err != nil {
			return recognition.Result{}, err
		}
		staged = append(staged, path)
		var name string
		if i < len(names) {
			name = names[i]
		}
		if _, err := tasks.RecordReferenceImage(ctx, taskID, path, name); err != nil {
			return recognition.Result{}, err
		}
	}

	opts := []recognition.RunOption{recognition.WithInputs(staged...)}
	if progress != nil {
		opts = append(opts, recognition.WithProgress(progress))
	}
	orch := recognition.NewOrchestrator(rc, provider, tasks, Log)
	return orch.Run(ctx, taskID, stagedVideo, opts...)
}

// copyToWorkspace copies src into dir as <prefix><ext> and returns the new path.
func copyToWorkspace(dir, src, prefix string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	dst := filepath.Join(dir, prefix+filepath.Ext(src))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to stage input: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}
