package recognition

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	headerTimeLayout = "2006-01-02 15:04:05"
	eventTimeLayout  = "2006-01-02 15:04:05,000"
	separator        = "--------------------------------------------------"
)

// Event is one recognized appearance of a reference face.
type Event struct {
	LoggedAt    time.Time `json:"logged_at"`
	Frame       int       `json:"frame"`
	Timestamp   float64   `json:"timestamp"`
	ReferenceID string    `json:"reference_id"`
	Name        string    `json:"name"`
	Confidence  float64   `json:"confidence"`
}

// Report accumulates the output of one run in encounter order.
type Report struct {
	generatedAt time.Time
	references  int
	lines       []string
	events      []Event
	totalFrames int
	finished    bool
}

// NewReport starts a report.
func NewReport(generatedAt time.Time, references int) *Report {
	return &Report{generatedAt: generatedAt, references: references}
}

// AddMatch appends a match event.
func (r *Report) AddMatch(at time.Time, frame int, timestamp float64, m Match) {
	ev := Event{
		LoggedAt:    at,
		Frame:       frame,
		Timestamp:   timestamp,
		ReferenceID: m.ReferenceID,
		Name:        m.Name,
		Confidence:  round2(m.Confidence),
	}
	r.events = append(r.events, ev)
	r.lines = append(r.lines, fmt.Sprintf("%s - at %s sec: detected face '%s' with confidence %s%%",
		at.Format(eventTimeLayout), formatNumber(ev.Timestamp), ev.Name, formatNumber(ev.Confidence)))
}

// AddFrameError records a frame that could not be analyzed. The run continues.
func (r *Report) AddFrameError(frame int, err error) {
	r.lines = append(r.lines, fmt.Sprintf("Error processing frame %d: %v", frame, err))
}

// Finish closes the report with the number of decoded frames.
func (r *Report) Finish(totalFrames int) {
	r.totalFrames = totalFrames
	r.finished = true
}

// Events returns the match events in the order they were found.
func (r *Report) Events() []Event {
	return r.events
}

// String renders the text report.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Face recognition report generated at %s, reference faces: %d\n",
		r.generatedAt.Format(headerTimeLayout), r.references)
	b.WriteString(separator + "\n")
	for _, line := range r.lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(separator + "\n")
	fmt.Fprintf(&b, "Processing complete. Total frames processed: %d.\n", r.totalFrames)
	return b.String()
}

// Write persists the text report as <dir>/<taskID>.txt and the events as <dir>/<taskID>.jsonl.
// Files are written to a temporary name first so a reader never sees a partial report.
func (r *Report) Write(dir, taskID string) (string, error) {
	if !r.finished {
		return "", fmt.Errorf("report for %s is not finished", taskID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create result directory: %w", err)
	}

	textPath := ResultPath(dir, taskID)
	if err := writeAtomic(textPath, func(w *bufio.Writer) error {
		_, err := w.WriteString(r.String())
		return err
	}); err != nil {
		return "", err
	}

	eventsPath := strings.TrimSuffix(textPath, ".txt") + ".jsonl"
	if err := writeAtomic(eventsPath, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		for _, ev := range r.events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		os.Remove(textPath)
		return "", err
	}
	return textPath, nil
}

// ResultPath is the deterministic report location for a task.
func ResultPath(dir, taskID string) string {
	return filepath.Join(dir, taskID+".txt")
}

// RemoveResults deletes both report files of a task, ignoring missing ones.
func RemoveResults(dir, taskID string) error {
	textPath := ResultPath(dir, taskID)
	for _, p := range []string{textPath, strings.TrimSuffix(textPath, ".txt") + ".jsonl"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func writeAtomic(path string, fill func(w *bufio.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatNumber prints the shortest representation, keeping at least one decimal ("1.0", "0.17").
func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
