package cmd

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := buildVersion
	origCommit := buildCommit
	origDate := buildDate
	origCmdVersion := rootCmd.Version
	defer func() {
		buildVersion = origVersion
		buildCommit = origCommit
		buildDate = origDate
		rootCmd.Version = origCmdVersion
	}()

	SetVersionInfo("1.2.3", "abc123", "2026-01-15")

	assert.Equal(t, "1.2.3", buildVersion)
	assert.Equal(t, "abc123", buildCommit)
	assert.Equal(t, "2026-01-15", buildDate)
	assert.Contains(t, rootCmd.Version, "1.2.3")
	assert.Contains(t, rootCmd.Version, "abc123")
}

func TestExitError(t *testing.T) {
	t.Run("wraps cause", func(t *testing.T) {
		cause := errors.New("boom")
		err := exitError(42, "Something broke", cause)

		var ce *cliError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 42, ce.code)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "Something broke: boom", err.Error())
	})

	t.Run("nil cause", func(t *testing.T) {
		err := exitError(7, "Just a message", nil)

		var ce *cliError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 7, ce.code)
		assert.Equal(t, "Just a message", err.Error())
	})

	t.Run("survives further wrapping", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", exitError(9, "inner", nil))

		var ce *cliError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 9, ce.code)
	})
}

func TestFormatOptionalTime(t *testing.T) {
	assert.Equal(t, "-", formatOptionalTime(nil))

	at := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	assert.Equal(t, "2026-03-01 12:30:45", formatOptionalTime(&at))
}

func TestShortJobID(t *testing.T) {
	assert.Equal(t, "short", shortJobID("short"))
	assert.Equal(t, "0123456789ab", shortJobID("0123456789abcdef-full-uuid"))
	assert.Equal(t, "trimmed", shortJobID("  trimmed  "))
}
