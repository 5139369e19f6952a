package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facefinder/internal/embedding"
	"github.com/andresmejia3/facefinder/internal/recognition"
)

var (
	probeRefs      []string
	probeNames     []string
	probeThreshold float64
)

var probeCmd = &cobra.Command{
	Use:   "probe <image>",
	Short: "Score every face in a still image against reference faces",
	Long: `Useful for tuning the threshold: prints the confidence of every detected face
against every reference, and whether it would count as a match.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(probeRefs) == 0 {
			return errors.New("at least one --ref is required")
		}
		return runProbe(cmd.Context(), args[0])
	},
}

func init() {
	probeCmd.Flags().StringArrayVarP(&probeRefs, "ref", "r", nil, "Reference image (repeatable)")
	probeCmd.Flags().StringArrayVarP(&probeNames, "name", "n", nil, "Display name for the reference at the same position (repeatable)")
	probeCmd.Flags().Float64VarP(&probeThreshold, "threshold", "t", 0, "Similarity threshold (default: recognition.threshold)")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(ctx context.Context, target string) error {
	provider, release, err := newProvider(ctx, Cfg.Embedding)
	if err != nil {
		return err
	}
	defer release()

	th := Cfg.Recognition.Threshold
	if probeThreshold > 0 {
		th = probeThreshold
	}

	faces, err := probe(ctx, provider, th, target, probeRefs, probeNames)
	if err != nil {
		return err
	}
	printProbe(os.Stdout, faces, th)
	return nil
}

// probe builds a reference set from refs and scores every face found in target.
// References are left in place; nothing is deleted.
func probe(ctx context.Context, provider embedding.Provider, th float64, target string, refs, names []string) ([][]recognition.Match, error) {
	set := loadReferences(ctx, provider, refs, names)
	if set.Len() == 0 {
		return nil, recognition.ErrEmptyReferenceSet
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recognition.ErrUnreadableImage, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", recognition.ErrUnreadableImage, target, err)
	}

	engine := recognition.NewEngine(provider, th, Log)
	return engine.Probe(ctx, img, set)
}

// loadReferences embeds each readable reference. Failures are reported and skipped.
func loadReferences(ctx context.Context, provider embedding.Provider, refs, names []string) *recognition.ReferenceSet {
	b := recognition.NewReferenceBuilder(provider)
	for i, path := range refs {
		var name string
		if i < len(names) {
			name = names[i]
		}
		if err := b.Add(ctx, path, strconv.Itoa(i+1), name); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Skipping %s: %v\n", path, err)
		}
	}
	return b.Set()
}

func printProbe(out io.Writer, faces [][]recognition.Match, th float64) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tREFERENCE\tCONFIDENCE\tMATCH")
	fmt.Fprintln(w, "----\t---------\t----------\t-----")
	for i, scores := range faces {
		for _, m := range scores {
			mark := ""
			if m.Confidence > th*100 {
				mark = "✅"
			}
			fmt.Fprintf(w, "%d\t%s\t%.2f%%\t%s\n", i+1, m.Name, m.Confidence, mark)
		}
	}
	w.Flush()
}
