package pipeline

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/packmirror/packmirror/pkg/jobs"
)

// blobMarker is the line oc image mirror prints once per copied blob.
// Counting it is the only progress signal the tool offers.
var blobMarker = []byte("Copying blob")

// errorMarker opens the lines the tool prints for images it could not
// transfer. The lines are kept as opaque strings, never parsed.
var errorMarker = []byte("error:")

// maxFailedImages bounds how many failure lines are carried on the
// record; beyond that the mirror log is the reference.
const maxFailedImages = 50

// progressFlushInterval throttles how often the blob count is persisted
// to the job record; a big mirror copies tens of thousands of blobs.
const progressFlushInterval = 2 * time.Second

// progressWriter passes tool output through to the log writer while
// scanning complete lines for blob copies and failed-image markers,
// periodically publishing both on the job record.
type progressWriter struct {
	inner io.Writer
	job   jobs.Handle

	mu        sync.Mutex
	carry     []byte
	count     int
	failed    []string
	published int
	lastFlush time.Time
}

func newProgressWriter(inner io.Writer, job jobs.Handle) *progressWriter {
	return &progressWriter{inner: inner, job: job}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.inner.Write(p)

	w.mu.Lock()
	w.carry = append(w.carry, p...)
	for {
		i := bytes.IndexByte(w.carry, '\n')
		if i < 0 {
			break
		}
		w.scanLine(w.carry[:i])
		w.carry = append([]byte(nil), w.carry[i+1:]...)
	}
	flush := w.count > w.published && time.Since(w.lastFlush) >= progressFlushInterval
	if flush {
		w.published = w.count
		w.lastFlush = time.Now()
	}
	count, failed := w.count, w.failed
	w.mu.Unlock()

	if flush {
		w.publish(count, failed)
	}
	return n, err
}

// scanLine inspects one complete output line. Caller holds w.mu.
func (w *progressWriter) scanLine(line []byte) {
	if bytes.Contains(line, blobMarker) {
		w.count++
	}
	trimmed := bytes.TrimSpace(line)
	if bytes.HasPrefix(trimmed, errorMarker) && len(w.failed) < maxFailedImages {
		w.failed = append(w.failed, string(trimmed))
	}
}

// Flush scans any unterminated trailing line and publishes the final
// state regardless of throttling.
func (w *progressWriter) Flush() {
	w.mu.Lock()
	if len(w.carry) > 0 {
		w.scanLine(w.carry)
		w.carry = nil
	}
	count, failed := w.count, w.failed
	w.published = w.count
	w.mu.Unlock()
	w.publish(count, failed)
}

func (w *progressWriter) publish(count int, failed []string) {
	_, _ = w.job.Update(func(r *jobs.Record) error {
		if r.Progress == nil {
			r.Progress = &jobs.Progress{}
		}
		r.Progress.BlobsCopied = count
		r.Progress.FailedImages = append([]string(nil), failed...)
		r.Progress.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// Count returns blobs counted so far.
func (w *progressWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// FailedCount returns how many failure lines were seen so far.
func (w *progressWriter) FailedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.failed)
}
