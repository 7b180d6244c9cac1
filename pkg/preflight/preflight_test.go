package preflight

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/packmirror/packmirror/internal/errors"
	"github.com/packmirror/packmirror/pkg/runner"
)

type fakeRunner struct {
	result runner.Result
	err    error
	specs  []runner.Spec
}

func (f *fakeRunner) Run(_ context.Context, spec runner.Spec) (runner.Result, error) {
	f.specs = append(f.specs, spec)
	return f.result, f.err
}

func TestChecker_Tools_AllPresent(t *testing.T) {
	fake := &fakeRunner{result: runner.Result{ExitCode: 0}}
	c := Checker{OCBin: "sh", PodmanBin: "sh", Run: fake}

	rep, err := c.Tools(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Empty(t, rep.Failed())
	require.Len(t, fake.specs, 1)
	assert.Equal(t, []string{"ibm-pak", "--help"}, fake.specs[0].Args)
}

func TestChecker_Tools_MissingBinary(t *testing.T) {
	fake := &fakeRunner{result: runner.Result{ExitCode: 0}}
	c := Checker{OCBin: "sh", PodmanBin: "no-such-binary-xyz", Run: fake}

	rep, err := c.Tools(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPrerequisiteMissing, apperrors.KindOf(err))
	assert.False(t, rep.OK())
	assert.Contains(t, rep.Failed(), CapPodman)
	// oc probe still ran so the report is complete.
	assert.Len(t, fake.specs, 1)
}

func TestChecker_Tools_PluginBroken(t *testing.T) {
	fake := &fakeRunner{result: runner.Result{ExitCode: 1}}
	c := Checker{OCBin: "sh", PodmanBin: "sh", Run: fake}

	rep, err := c.Tools(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPrerequisiteMissing, apperrors.KindOf(err))
	assert.Contains(t, rep.Failed(), CapIBMPak)
	assert.False(t, rep.OK())
}

func TestChecker_Tools_SkipsProbeWithoutOC(t *testing.T) {
	fake := &fakeRunner{}
	c := Checker{OCBin: "no-such-binary-xyz", PodmanBin: "sh", Run: fake}

	_, err := c.Tools(context.Background())
	require.Error(t, err)
	assert.Empty(t, fake.specs)
}

func TestDiskSpace(t *testing.T) {
	dir := t.TempDir()

	t.Run("disabled", func(t *testing.T) {
		check, err := DiskSpace(dir, 0)
		require.NoError(t, err)
		assert.True(t, check.OK)
	})

	t.Run("plenty", func(t *testing.T) {
		check, err := DiskSpace(dir, 0.001)
		require.NoError(t, err)
		assert.True(t, check.OK)
	})

	t.Run("insufficient", func(t *testing.T) {
		check, err := DiskSpace(dir, 1<<20)
		require.Error(t, err)
		assert.Equal(t, apperrors.KindDiskSpaceInsufficient, apperrors.KindOf(err))
		assert.False(t, check.OK)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := DiskSpace(dir+"/nope", 1)
		require.Error(t, err)
		assert.Equal(t, apperrors.KindDiskSpaceInsufficient, apperrors.KindOf(err))
	})
}

func TestAvailableGB(t *testing.T) {
	free, err := AvailableGB(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, 0.0)
}
