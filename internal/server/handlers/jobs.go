package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/pkg/jobs"
)

// maxJobBody bounds the create payload; specs are small.
const maxJobBody = 1 << 20

// CreateJob accepts a job spec, validates it and starts the mirror.
func (a *API) CreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJobBody))
	if err != nil {
		WriteError(w, r, apperrors.Wrap(apperrors.KindInvalidSpec, err, "cannot read job payload"))
		return
	}
	// Schema pass first: unknown fields and structural problems come
	// back with JSON pointers instead of a decoder error.
	if err := jobs.ValidateSpecJSON(body); err != nil {
		WriteError(w, r, apperrors.Wrap(apperrors.KindInvalidSpec, err, "invalid job payload"))
		return
	}
	var spec jobs.Spec
	if err := json.Unmarshal(body, &spec); err != nil {
		WriteError(w, r, apperrors.Wrap(apperrors.KindInvalidSpec, err, "invalid job payload"))
		return
	}

	rec, err := a.reg.Create(r.Context(), spec)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

// ListJobs returns jobs partitioned into active (non-terminal) and
// history (terminal, dismissed included), newest first within each.
// Filters: ?state= (comma separated), ?name=.
func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobs.ListFilter{
		Name:             q.Get("name"),
		IncludeDismissed: true,
	}
	if states := q.Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			filter.States = append(filter.States, jobs.State(strings.TrimSpace(s)))
		}
	}

	active := make([]jobs.Record, 0)
	history := make([]jobs.Record, 0)
	for _, rec := range a.reg.List(filter) {
		if rec.State.Terminal() {
			history = append(history, rec)
		} else {
			active = append(active, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "history": history})
}

func (a *API) jobID(r *http.Request) string {
	return chi.URLParam(r, "jobID")
}

// GetJob returns one job record.
func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := a.reg.Get(a.jobID(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DismissJob hides a terminal job and frees its name.
func (a *API) DismissJob(w http.ResponseWriter, r *http.Request) {
	rec, err := a.reg.Dismiss(a.jobID(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StopJob asks a running job to stop. The response reflects the state
// at request time; callers poll the record for the final stopped state.
func (a *API) StopJob(w http.ResponseWriter, r *http.Request) {
	rec, err := a.reg.RequestStop(a.jobID(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RetryJob restarts a failed job from the beginning. An optional JSON
// body supplies config overrides merged into the original snapshot.
func (a *API) RetryJob(w http.ResponseWriter, r *http.Request) {
	var overrides jobs.SpecOverrides
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJobBody))
	if err != nil {
		WriteError(w, r, apperrors.Wrap(apperrors.KindInvalidSpec, err, "cannot read retry payload"))
		return
	}
	if len(body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&overrides); err != nil {
			WriteError(w, r, apperrors.Wrap(apperrors.KindInvalidSpec, err, "invalid retry overrides"))
			return
		}
	}

	rec, err := a.reg.Retry(a.jobID(r), overrides)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}
