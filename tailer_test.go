package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"
)

func newTestTailer(t *testing.T, logPath string) (*Tailer, *RecordStore, *[]string) {
	t.Helper()
	rs := NewRecordStore(filepath.Join(t.TempDir(), "hostblock.dat"))
	require.NoError(t, rs.Load())
	var lines []string
	tailer := NewTailer(logPath, rs, func(_ string, line string) {
		lines = append(lines, line)
	}, 0)
	tailer.sleepBetweenLines = 0
	return tailer, rs, &lines
}

func running() bool { return true }

func TestTailerReadsNewLinesAndBookmarks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0644))

	tailer, rs, lines := newTestTailer(t, path)
	require.NoError(t, tailer.Tick(running))

	require.Equal(t, []string{"line one", "line two"}, *lines)

	bm, ok := rs.GetBookmark(path)
	require.True(t, ok)
	require.Equal(t, int64(len("line one\nline two\n")), bm.Bookmark)
}

func TestTailerDoesNotRereadOldLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\n"), 0644))

	tailer, _, lines := newTestTailer(t, path)
	require.NoError(t, tailer.Tick(running))
	require.Equal(t, []string{"line one"}, *lines)

	require.NoError(t, tailer.Tick(running))
	require.Equal(t, []string{"line one"}, *lines, "second tick with no new data should not re-deliver")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("line two\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, tailer.Tick(running))
	require.Equal(t, []string{"line one", "line two"}, *lines)
}

func TestTailerHoldsBackPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("complete line\nincomplete"), 0644))

	tailer, _, lines := newTestTailer(t, path)
	require.NoError(t, tailer.Tick(running))
	require.Equal(t, []string{"complete line"}, *lines)
}

// Scenario 3: a log rotation (file truncated/replaced with a smaller
// file) is treated as starting over from offset 0.
func TestTailerDetectsRotationViaShrink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("aaaaaaaaaa\nbbbbbbbbbb\n"), 0644))

	tailer, _, lines := newTestTailer(t, path)
	require.NoError(t, tailer.Tick(running))
	require.Len(t, *lines, 2)

	require.NoError(t, os.WriteFile(path, []byte("fresh\n"), 0644))
	require.NoError(t, tailer.Tick(running))
	require.Equal(t, []string{"aaaaaaaaaa", "bbbbbbbbbb", "fresh"}, *lines)
}

func TestSeekToLastLinesReturnsOffsetForLastN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644))

	offset, err := seekToLastLines(path, 1)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "three\n", string(data[offset:]))
}

func TestTailerStartupLinesReplaysOnlyTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644))

	rs := NewRecordStore(filepath.Join(t.TempDir(), "hostblock.dat"))
	require.NoError(t, rs.Load())
	var lines []string
	tailer := NewTailer(path, rs, func(_ string, l string) { lines = append(lines, l) }, 1)
	tailer.sleepBetweenLines = 0

	require.NoError(t, tailer.Tick(running))
	require.Equal(t, []string{"three"}, lines)
}

// WatchDir registers the tailer's log directory with a real fsnotify
// watcher and surfaces events on it, rather than being a dead stub.
func TestTailerWatchDirObservesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	tailer, _, _ := newTestTailer(t, path)
	w, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, tailer.WatchDir(w))

	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0644))

	select {
	case event := <-w.Events:
		require.Equal(t, path, event.Name)
	case err := <-w.Errors:
		t.Fatalf("fsnotify error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fsnotify event")
	}
}

func TestTailerRunningFalseStopsEarly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644))

	tailer, _, lines := newTestTailer(t, path)
	calls := 0
	require.NoError(t, tailer.Tick(func() bool {
		calls++
		return calls <= 1
	}))
	require.Len(t, *lines, 1)
}
