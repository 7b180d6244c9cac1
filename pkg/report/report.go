// Package report renders the per-job summary written next to the job's
// logs once it reaches a terminal state. The format is fixed plain
// text; operators grep these files and attach them to tickets.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/packmirror/packmirror/pkg/jobs"
)

// FormatDuration renders a duration as XhYmZs, dropping leading zero
// units.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Path returns where a job's summary report lives.
func Path(dir, name string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-summary-report.txt", name))
}

const timeLayout = "2006-01-02 15:04:05 UTC"

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

// Render produces the report body for a record.
func Render(rec jobs.Record) string {
	var b strings.Builder
	line := strings.Repeat("=", 64)

	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "MIRROR JOB SUMMARY: %s\n", rec.Name())
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "Job ID: %s\n", rec.ID)
	fmt.Fprintf(&b, "Component: %s\n", rec.Spec.Component)
	fmt.Fprintf(&b, "Version: %s\n", rec.Spec.Version)
	fmt.Fprintf(&b, "Mode: %s\n", rec.Spec.Mode)
	if rec.Spec.FinalRegistry != "" {
		fmt.Fprintf(&b, "Registry: %s\n", rec.Spec.FinalRegistry)
	}
	fmt.Fprintf(&b, "Status: %s\n", rec.State)
	if rec.FailureCode != "" {
		fmt.Fprintf(&b, "Failure: %s: %s\n", rec.FailureCode, rec.FailureMessage)
	}
	fmt.Fprintf(&b, "Started: %s\n", formatTime(rec.StartedAt))
	fmt.Fprintf(&b, "Ended: %s\n", formatTime(rec.EndedAt))
	if rec.StartedAt != nil {
		fmt.Fprintf(&b, "Duration: %s\n", FormatDuration(rec.Duration(time.Now().UTC())))
	}
	fmt.Fprintf(&b, "Retries: %d\n", rec.RetryCount)
	if rec.Progress != nil {
		fmt.Fprintf(&b, "Total images: %d\n", rec.Progress.TotalImages)
		fmt.Fprintf(&b, "Blobs copied: %d\n", rec.Progress.BlobsCopied)
		fmt.Fprintf(&b, "Failed: %d\n", len(rec.Progress.FailedImages))
	}

	fmt.Fprintln(&b, strings.Repeat("-", 64))
	fmt.Fprintln(&b, "STAGES")
	if len(rec.StageHistory) == 0 {
		fmt.Fprintln(&b, "  (none reached)")
	}
	for _, ev := range rec.StageHistory {
		outcome := ev.Outcome
		if outcome == "" {
			outcome = "running"
		}
		dur := "-"
		if ev.EndedAt != nil {
			dur = FormatDuration(ev.EndedAt.Sub(ev.StartedAt))
		}
		fmt.Fprintf(&b, "  %-22s %-10s attempt=%d duration=%s\n", ev.Stage, outcome, ev.Attempt, dur)
	}

	if rec.Progress != nil && len(rec.Progress.FailedImages) > 0 {
		fmt.Fprintln(&b, strings.Repeat("-", 64))
		fmt.Fprintln(&b, "FAILED IMAGES")
		for _, img := range rec.Progress.FailedImages {
			fmt.Fprintf(&b, "  %s\n", img)
		}
	}

	fmt.Fprintln(&b, strings.Repeat("-", 64))
	fmt.Fprintf(&b, "Logs: %s-app.log, %s-mirror.log\n", rec.Name(), rec.Name())
	fmt.Fprintln(&b, line)
	return b.String()
}

// Write renders the report into the job's working directory and
// returns the file path.
func Write(rec jobs.Record) (string, error) {
	path := Path(rec.WorkDir, rec.Name())
	if err := os.MkdirAll(rec.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(Render(rec)), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
