package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"app error", New(KindDuplicateName, "name taken"), KindDuplicateName},
		{"wrapped app error", fmt.Errorf("outer: %w", New(KindJobNotFound, "no such job")), KindJobNotFound},
		{"foreign error", fmt.Errorf("plain"), KindInternal},
		{"nil", nil, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("exit status 1")
	err := Wrap(KindSubprocessExit, cause, "mirror stage failed")

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "mirror stage failed")
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidSpec, http.StatusBadRequest},
		{KindDuplicateName, http.StatusConflict},
		{KindInvalidStateTransition, http.StatusConflict},
		{KindJobNotFound, http.StatusNotFound},
		{KindNotFound, http.StatusNotFound},
		{KindMethodNotAllowed, http.StatusMethodNotAllowed},
		{KindDiskSpaceInsufficient, http.StatusUnprocessableEntity},
		{KindTimedOut, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestEnvelope(t *testing.T) {
	t.Run("app error keeps message", func(t *testing.T) {
		resp := Envelope(New(KindDuplicateName, "job name %q already in use", "mq-9.3.5"), "req-1")
		assert.Equal(t, "DUPLICATE_NAME", resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "mq-9.3.5")
		assert.Equal(t, "req-1", resp.Error.RequestID)
	})

	t.Run("internal error message is masked", func(t *testing.T) {
		resp := Envelope(fmt.Errorf("sql: connection refused"), "")
		assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
		assert.Equal(t, "internal error", resp.Error.Message)
	})
}
