// Package logstore persists per-job log streams as plain append-only
// files and supports replay and follow without any in-memory buffering
// of history. Files survive process restarts, so a recovered job keeps
// its full log.
package logstore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Stream names the two log channels a job produces.
type Stream string

const (
	// StreamApp carries orchestration events: stage transitions, retry
	// notices, command invocations.
	StreamApp Stream = "app"
	// StreamMirror carries raw tool output from the mirror stage, which
	// is far noisier than the app stream.
	StreamMirror Stream = "mirror"
)

// Valid reports whether s names a known stream.
func (s Stream) Valid() bool {
	return s == StreamApp || s == StreamMirror
}

// pollInterval is how often followers re-check the file for new lines.
const pollInterval = 250 * time.Millisecond

// Store manages the log files of one job under its working directory.
type Store struct {
	dir  string
	name string

	mu sync.Mutex
}

// Open returns a store for the job name rooted at dir. No files are
// created until the first append.
func Open(dir, name string) *Store {
	return &Store{dir: dir, name: name}
}

// Path returns the on-disk location of a stream's file.
func (s *Store) Path(stream Stream) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.log", s.name, stream))
}

// Append writes one line to the stream and syncs it to disk before
// returning, so a crash immediately after a stage transition cannot
// lose the line that recorded it.
func (s *Store) Append(stream Stream, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(stream, line)
}

// Appendf is Append with formatting.
func (s *Store) Appendf(stream Stream, format string, args ...any) error {
	return s.Append(stream, fmt.Sprintf(format, args...))
}

func (s *Store) appendLocked(stream Stream, line string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(s.Path(stream), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", stream, err)
	}
	defer f.Close()

	stamp := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	if _, err := fmt.Fprintf(f, "%s %s\n", stamp, strings.TrimRight(line, "\n")); err != nil {
		return fmt.Errorf("append log %s: %w", stream, err)
	}
	return f.Sync()
}

// Writer returns an io.Writer that appends complete lines from a byte
// stream to the given log stream. Partial lines are held until their
// newline arrives; Close flushes any remainder. Suitable as the output
// sink of a running subprocess.
func (s *Store) Writer(stream Stream) io.WriteCloser {
	return &lineWriter{store: s, stream: stream}
}

type lineWriter struct {
	store  *Store
	stream Stream
	buf    bytes.Buffer
	mu     sync.Mutex
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		if err := w.store.Append(w.stream, strings.TrimRight(line, "\r\n")); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.String()
	w.buf.Reset()
	return w.store.Append(w.stream, line)
}

// ReadAll returns the stream's lines. When tail is positive only the
// last tail lines are returned. A stream that has never been written
// yields an empty slice, not an error.
func (s *Store) ReadAll(stream Stream, tail int) ([]string, error) {
	f, err := os.Open(s.Path(stream))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("open log %s: %w", stream, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log %s: %w", stream, err)
	}
	if lines == nil {
		lines = []string{}
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

// LineCount returns the number of complete lines in the stream.
func (s *Store) LineCount(stream Stream) (int, error) {
	lines, err := s.ReadAll(stream, 0)
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// Follow streams lines starting at the zero-based line index from,
// then keeps polling the file and delivering new lines until ctx is
// done. The follower remembers its byte offset between polls, so each
// poll reads only what was appended since the last one. The channel is
// closed when following stops; sends block, so the consumer controls
// backpressure.
func (s *Store) Follow(ctx context.Context, stream Stream, from int) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		var offset int64
		skip := from
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			offset = s.readFrom(stream, offset, func(line string) bool {
				if skip > 0 {
					skip--
					return true
				}
				select {
				case out <- line:
					return true
				case <-ctx.Done():
					return false
				}
			})
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// readFrom emits the complete lines found after the byte offset and
// returns the offset past the last line consumed. A trailing partial
// line stays unread until its newline lands. Read errors leave the
// offset unchanged so the next poll retries.
func (s *Store) readFrom(stream Stream, offset int64, emit func(string) bool) int64 {
	f, err := os.Open(s.Path(stream))
	if err != nil {
		return offset
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return offset
		}
		if !emit(strings.TrimRight(line, "\n")) {
			return offset
		}
		offset += int64(len(line))
	}
}
