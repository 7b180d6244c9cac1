package runner

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	var out bytes.Buffer
	res, err := New(nil).Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo hello; echo oops >&2"},
		Output:  &out,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "oops")
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	res, err := New(nil).Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "exit 42"},
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res.ExitCode)
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	res, err := New(nil).Run(context.Background(), Spec{
		Command: "sleep",
		Args:    []string{"30"},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_CancelReturnsAfterExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	var pid int
	res, err := New(nil).Run(ctx, Spec{
		Command: "sleep",
		Args:    []string{"30"},
		Started: func(p int) { pid = p },
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.TimedOut)
	assert.NotZero(t, pid)
}

func TestRun_MissingCommand(t *testing.T) {
	_, err := New(nil).Run(context.Background(), Spec{})
	require.Error(t, err)

	_, err = New(nil).Run(context.Background(), Spec{Command: "no-such-binary-xyz"})
	require.Error(t, err)
}

func TestRedactedString(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{
			name: "no secrets",
			spec: Spec{Command: "oc", Args: []string{"ibm-pak", "get", "ibm-mq"}},
			want: "oc ibm-pak get ibm-mq",
		},
		{
			name: "password position masked",
			spec: Spec{
				Command:  "podman",
				Args:     []string{"login", "cp.icr.io", "-u", "cp", "-p", "s3cret"},
				Redacted: []int{5},
			},
			want: "podman login cp.icr.io -u cp -p ****",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RedactedString(tt.spec)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "s3cret")
		})
	}
}

func TestRun_EnvReachesChild(t *testing.T) {
	var out bytes.Buffer
	res, err := New(nil).Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "printf '%s' \"$IBM_ENTITLEMENT_KEY\""},
		Env:     []string{"IBM_ENTITLEMENT_KEY=abc123"},
		Output:  &out,
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "abc123", strings.TrimSpace(out.String()))
}
