package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/pkg/logstore"
)

func logStreamParam(r *http.Request) (logstore.Stream, error) {
	stream := logstore.Stream(r.URL.Query().Get("stream"))
	if stream == "" {
		stream = logstore.StreamApp
	}
	if !stream.Valid() {
		return "", apperrors.New(apperrors.KindInvalidSpec,
			"unknown log stream %q, want %q or %q", stream, logstore.StreamApp, logstore.StreamMirror)
	}
	return stream, nil
}

// GetLogs returns a plain-text snapshot of one log stream.
// Query: ?stream=app|mirror (default app), ?lines=N for the last N lines.
func (a *API) GetLogs(w http.ResponseWriter, r *http.Request) {
	rec, err := a.reg.Get(a.jobID(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	stream, err := logStreamParam(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	tail := 0
	if raw := r.URL.Query().Get("lines"); raw != "" {
		tail, err = strconv.Atoi(raw)
		if err != nil || tail < 0 {
			WriteError(w, r, apperrors.New(apperrors.KindInvalidSpec, "lines must be a non-negative integer"))
			return
		}
	}

	lines, err := a.reg.Store().Logs(&rec).ReadAll(stream, tail)
	if err != nil {
		WriteError(w, r, apperrors.Wrap(apperrors.KindInternal, err, "read job logs"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
}

// keepaliveInterval spaces SSE comments so idle connections survive
// proxies that reap quiet streams.
const keepaliveInterval = 15 * time.Second

// StreamLogs follows one log stream as server-sent events until the
// client disconnects. Query: ?stream=app|mirror (default app),
// ?replay=full|none (default full).
func (a *API) StreamLogs(w http.ResponseWriter, r *http.Request) {
	rec, err := a.reg.Get(a.jobID(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	stream, err := logStreamParam(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, r, apperrors.New(apperrors.KindInternal, "streaming unsupported by connection"))
		return
	}

	store := a.reg.Store().Logs(&rec)
	from := 0
	if r.URL.Query().Get("replay") == "none" {
		if from, err = store.LineCount(stream); err != nil {
			WriteError(w, r, apperrors.Wrap(apperrors.KindInternal, err, "read job logs"))
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": streaming %s/%s\n\n", rec.ID, stream)
	flusher.Flush()

	sub := a.broker.Subscribe(r.Context(), store, rec.ID, stream, from)
	defer sub.Close()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case line, open := <-sub.Lines():
			if !open {
				if sub.Err() != nil {
					fmt.Fprintf(w, "event: error\ndata: %s\n\n", sub.Err())
					flusher.Flush()
				}
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
