package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packmirror/packmirror/pkg/jobs"
)

func testJobsServer(t *testing.T, recs []jobs.Record) *apiClient {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, _ *http.Request) {
		var active, history []jobs.Record
		for _, rec := range recs {
			if rec.State.Terminal() {
				history = append(history, rec)
			} else {
				active = append(active, rec)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"active": active, "history": history})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiClient{base: srv.URL, client: srv.Client()}
}

func testRecord(id, name string) jobs.Record {
	return jobs.Record{
		ID:        id,
		Spec:      jobs.Spec{Name: name, Component: "ibm-mq", Version: "9.4.2", Mode: jobs.ModeStandard},
		State:     jobs.StateMirroring,
		CreatedAt: time.Now().UTC(),
	}
}

func TestResolveJobID(t *testing.T) {
	c := testJobsServer(t, []jobs.Record{
		testRecord("aaaa1111-0000-0000-0000-000000000001", "mq-prod"),
		testRecord("aaaa2222-0000-0000-0000-000000000002", "mq-staging"),
		testRecord("bbbb3333-0000-0000-0000-000000000003", "nav-prod"),
	})

	t.Run("full id", func(t *testing.T) {
		id, err := c.resolveJobID("bbbb3333-0000-0000-0000-000000000003")
		require.NoError(t, err)
		assert.Equal(t, "bbbb3333-0000-0000-0000-000000000003", id)
	})

	t.Run("unique prefix", func(t *testing.T) {
		id, err := c.resolveJobID("bbbb")
		require.NoError(t, err)
		assert.Equal(t, "bbbb3333-0000-0000-0000-000000000003", id)
	})

	t.Run("job name", func(t *testing.T) {
		id, err := c.resolveJobID("mq-staging")
		require.NoError(t, err)
		assert.Equal(t, "aaaa2222-0000-0000-0000-000000000002", id)
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		_, err := c.resolveJobID("aaaa")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ambiguous")
	})

	t.Run("no match", func(t *testing.T) {
		_, err := c.resolveJobID("zzzz")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no job matches")
	})

	t.Run("empty ref", func(t *testing.T) {
		_, err := c.resolveJobID("   ")
		require.Error(t, err)
	})
}

func TestAPIClientErrorEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"JOB_NOT_FOUND","message":"no job with id missing","request_id":"req-1"}}`))
	})
	mux.HandleFunc("GET /api/v1/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("not json"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := &apiClient{base: srv.URL, client: srv.Client()}

	t.Run("structured envelope", func(t *testing.T) {
		err := c.do(http.MethodGet, "/api/v1/jobs/missing", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JOB_NOT_FOUND")
		assert.Contains(t, err.Error(), "no job with id missing")
	})

	t.Run("opaque body falls back to status", func(t *testing.T) {
		err := c.do(http.MethodGet, "/api/v1/broken", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
	})
}

func TestListJobsQueryDecoding(t *testing.T) {
	c := testJobsServer(t, []jobs.Record{testRecord("cccc4444-0000-0000-0000-000000000004", "mq-one")})

	listing, err := c.listJobs(nil)
	require.NoError(t, err)
	require.Len(t, listing.Active, 1)
	assert.Empty(t, listing.History)
	assert.Equal(t, "mq-one", listing.Active[0].Name())
	assert.Equal(t, jobs.StateMirroring, listing.Active[0].State)
}
