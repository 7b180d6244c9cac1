package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/packmirror/packmirror/pkg/jobs"
	"github.com/packmirror/packmirror/pkg/runner"
)

func sampleNotification() Notification {
	return Notification{
		Event: EventCompleted,
		Job: jobs.Record{
			ID:    "abc-123",
			Spec:  jobs.Spec{Name: "mq-prod", Component: "ibm-mq", Version: "9.4.2"},
			State: jobs.StateCompleted,
		},
		Message: "all images mirrored",
		At:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhook_PostsJSON(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, zap.NewNop())
	require.NoError(t, wh.Notify(context.Background(), sampleNotification()))
	assert.Equal(t, EventCompleted, got.Event)
	assert.Equal(t, "mq-prod", got.Job.Name())
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, zap.NewNop())
	assert.Error(t, wh.Notify(context.Background(), sampleNotification()))
}

func TestWebhook_UnreachableEndpoint(t *testing.T) {
	wh := NewWebhook("http://127.0.0.1:1/hook", zap.NewNop())
	assert.Error(t, wh.Notify(context.Background(), sampleNotification()))
}

type captureRunner struct {
	spec  runner.Spec
	stdin string
	res   runner.Result
	err   error
}

func (c *captureRunner) Run(_ context.Context, spec runner.Spec) (runner.Result, error) {
	c.spec = spec
	if spec.Stdin != nil {
		b, _ := io.ReadAll(spec.Stdin)
		c.stdin = string(b)
	}
	return c.res, c.err
}

func TestMail_SendsViaCommand(t *testing.T) {
	run := &captureRunner{}
	m := NewMail("ops@example.com", run)

	require.NoError(t, m.Notify(context.Background(), sampleNotification()))
	assert.Equal(t, "mail", m.Bin)
	assert.Equal(t, []string{"-s", "[packmirror] COMPLETED: mq-prod", "ops@example.com"}, run.spec.Args)
	assert.Contains(t, run.stdin, "ibm-mq 9.4.2")
	assert.Contains(t, run.stdin, "all images mirrored")
}

func TestMail_JobRecipientOverridesGlobal(t *testing.T) {
	run := &captureRunner{}
	m := NewMail("ops@example.com", run)

	n := sampleNotification()
	n.Job.Spec.NotifyEmail = "team@example.com"
	require.NoError(t, m.Notify(context.Background(), n))
	assert.Contains(t, run.spec.Args, "team@example.com")
}

func TestMail_NoRecipientIsNoop(t *testing.T) {
	run := &captureRunner{}
	m := NewMail("", run)
	require.NoError(t, m.Notify(context.Background(), sampleNotification()))
	assert.Empty(t, run.spec.Command)
}

func TestMail_NonZeroExit(t *testing.T) {
	run := &captureRunner{res: runner.Result{ExitCode: 1}}
	m := NewMail("ops@example.com", run)
	assert.Error(t, m.Notify(context.Background(), sampleNotification()))
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Notification) error {
	f.calls++
	return errors.New("boom")
}

func TestMulti_SwallowsFailures(t *testing.T) {
	a := &failingNotifier{}
	b := &failingNotifier{}
	m := NewMulti(zap.NewNop(), a, b)

	require.NoError(t, m.Notify(context.Background(), sampleNotification()))
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Notify(context.Background(), sampleNotification()))
}
