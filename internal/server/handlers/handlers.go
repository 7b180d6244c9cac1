// Package handlers implements the HTTP API endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/pkg/broker"
	"github.com/packmirror/packmirror/pkg/catalog"
	"github.com/packmirror/packmirror/pkg/jobs"
)

// VersionInfo is the build identity reported by /version.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Deps are the collaborators handlers call into.
type Deps struct {
	Registry *jobs.Registry
	Broker   *broker.Broker
	Catalog  *catalog.Catalog
	Log      *zap.Logger
	Version  VersionInfo
}

// API carries the handler set.
type API struct {
	reg     *jobs.Registry
	broker  *broker.Broker
	catalog *catalog.Catalog
	log     *zap.Logger
	version VersionInfo
}

func New(deps Deps) *API {
	cat := deps.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		reg:     deps.Registry,
		broker:  deps.Broker,
		catalog: cat,
		log:     log,
		version: deps.Version,
	}
}

// WriteError renders err as the standard envelope with the status
// derived from its kind.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := chimw.GetReqID(r.Context())
	kind := apperrors.KindOf(err)
	writeJSON(w, apperrors.HTTPStatus(kind), apperrors.Envelope(err, requestID))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
