package handlers

import (
	"net/http"
	"os"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/pkg/jobs"
	"github.com/packmirror/packmirror/pkg/report"
)

// Health reports liveness and the number of non-terminal jobs.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	active := a.reg.List(jobs.ListFilter{States: jobs.RunOrder[:len(jobs.RunOrder)-1]})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": len(active),
	})
}

// Version reports build identity.
func (a *API) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.version)
}

// ListComponents returns the catalog of mirrorable CASE components.
func (a *API) ListComponents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.catalog)
}

// GetReport serves the plain-text summary report of a terminal job.
func (a *API) GetReport(w http.ResponseWriter, r *http.Request) {
	rec, err := a.reg.Get(a.jobID(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if !rec.State.Terminal() {
		WriteError(w, r, apperrors.New(apperrors.KindNotFound,
			"job %s is %s; the summary report is written when it finishes", rec.ID, rec.State))
		return
	}

	body, err := os.ReadFile(report.Path(rec.WorkDir, rec.Name()))
	if err != nil {
		if os.IsNotExist(err) {
			WriteError(w, r, apperrors.New(apperrors.KindNotFound, "no summary report for job %s", rec.ID))
			return
		}
		WriteError(w, r, apperrors.Wrap(apperrors.KindInternal, err, "read summary report"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// GetManifest serves the image mapping generated for a job. Available
// once the manifest stage has produced it.
func (a *API) GetManifest(w http.ResponseWriter, r *http.Request) {
	rec, err := a.reg.Get(a.jobID(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if rec.MappingFile == "" {
		WriteError(w, r, apperrors.New(apperrors.KindNotFound,
			"job %s has not generated its image mapping yet", rec.ID))
		return
	}

	body, err := os.ReadFile(rec.MappingFile)
	if err != nil {
		if os.IsNotExist(err) {
			WriteError(w, r, apperrors.New(apperrors.KindNotFound, "no image mapping for job %s", rec.ID))
			return
		}
		WriteError(w, r, apperrors.Wrap(apperrors.KindInternal, err, "read image mapping"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
