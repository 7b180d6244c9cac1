package logstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadAll(t *testing.T) {
	s := Open(t.TempDir(), "ibm-mq")

	require.NoError(t, s.Append(StreamApp, "stage authenticating started"))
	require.NoError(t, s.Appendf(StreamApp, "attempt %d/%d", 1, 3))

	lines, err := s.ReadAll(StreamApp, 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "stage authenticating started")
	assert.Contains(t, lines[1], "attempt 1/3")

	// Each line carries a UTC timestamp prefix.
	fields := strings.SplitN(lines[0], " ", 2)
	_, terr := time.Parse("2006-01-02T15:04:05Z", fields[0])
	assert.NoError(t, terr)
}

func TestReadAll_TailAndMissingFile(t *testing.T) {
	s := Open(t.TempDir(), "job")

	lines, err := s.ReadAll(StreamMirror, 0)
	require.NoError(t, err)
	assert.Empty(t, lines)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Appendf(StreamMirror, "line %d", i))
	}
	lines, err = s.ReadAll(StreamMirror, 3)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "line 7")
	assert.Contains(t, lines[2], "line 9")
}

func TestStreamsAreIndependent(t *testing.T) {
	s := Open(t.TempDir(), "job")
	require.NoError(t, s.Append(StreamApp, "app only"))
	require.NoError(t, s.Append(StreamMirror, "mirror only"))

	app, err := s.ReadAll(StreamApp, 0)
	require.NoError(t, err)
	mirror, err := s.ReadAll(StreamMirror, 0)
	require.NoError(t, err)
	require.Len(t, app, 1)
	require.Len(t, mirror, 1)
	assert.Contains(t, app[0], "app only")
	assert.Contains(t, mirror[0], "mirror only")
	assert.NotEqual(t, s.Path(StreamApp), s.Path(StreamMirror))
}

func TestWriter_SplitsLines(t *testing.T) {
	s := Open(t.TempDir(), "job")
	w := s.Writer(StreamMirror)

	_, err := w.Write([]byte("Copying blob sha256:aa\nCopying bl"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ob sha256:bb\ntrailing without newline"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	lines, err := s.ReadAll(StreamMirror, 0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Copying blob sha256:aa")
	assert.Contains(t, lines[1], "Copying blob sha256:bb")
	assert.Contains(t, lines[2], "trailing without newline")
}

func TestLineCount(t *testing.T) {
	s := Open(t.TempDir(), "job")
	n, err := s.LineCount(StreamApp)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Append(StreamApp, "one"))
	require.NoError(t, s.Append(StreamApp, "two"))
	n, err = s.LineCount(StreamApp)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFollow_ReplayThenLive(t *testing.T) {
	s := Open(t.TempDir(), "job")
	require.NoError(t, s.Append(StreamApp, "before"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Follow(ctx, StreamApp, 0)

	select {
	case line := <-ch:
		assert.Contains(t, line, "before")
	case <-time.After(2 * time.Second):
		t.Fatal("no replayed line")
	}

	require.NoError(t, s.Append(StreamApp, "after"))
	select {
	case line := <-ch:
		assert.Contains(t, line, "after")
	case <-time.After(2 * time.Second):
		t.Fatal("no live line")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestFollow_FromOffsetSkipsHistory(t *testing.T) {
	s := Open(t.TempDir(), "job")
	require.NoError(t, s.Append(StreamApp, "old"))
	require.NoError(t, s.Append(StreamApp, "new"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Follow(ctx, StreamApp, 1)

	select {
	case line := <-ch:
		assert.Contains(t, line, "new")
		assert.NotContains(t, line, "old")
	case <-time.After(2 * time.Second):
		t.Fatal("no line from offset")
	}
}

func TestFollow_PartialLineHeldUntilComplete(t *testing.T) {
	s := Open(t.TempDir(), "job")
	require.NoError(t, s.Append(StreamMirror, "whole"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Follow(ctx, StreamMirror, 1)

	// Land half a line on disk, as a crashing writer would, then finish
	// it. The follower must deliver it once, intact.
	f, err := os.OpenFile(s.Path(StreamMirror), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("split acr")
	require.NoError(t, err)
	time.Sleep(2 * pollInterval)
	_, err = f.WriteString("oss polls\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case line := <-ch:
		assert.Equal(t, "split across polls", line)
	case <-time.After(2 * time.Second):
		t.Fatal("completed line never delivered")
	}
}

func TestStreamValid(t *testing.T) {
	assert.True(t, StreamApp.Valid())
	assert.True(t, StreamMirror.Valid())
	assert.False(t, Stream("bogus").Valid())
}
