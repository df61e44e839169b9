package main

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// LineHandler is invoked for every new complete line a Tailer reads.
type LineHandler func(path string, line string)

// Tailer incrementally follows one configured log file, persisting its
// read position as a LogFileBookmark (spec.md §4.3). Grounded on the
// teacher's logmonitor.go (handleLogFile/processLogFile/readNewContent,
// os.SameFile rotation detection, skipToLastLines startup replay);
// generalized from an in-memory-only FileState to the persisted
// LogFileBookmark record spec.md requires, and from fsnotify-only
// triggering to the tick-driven size check spec.md's algorithm
// describes — fsnotify remains wired in as a low-latency nudge, but
// the tick is authoritative.
type Tailer struct {
	Path string

	store   *RecordStore
	handler LineHandler

	startupLines int
	progressEvery time.Duration
	sleepBetweenLines time.Duration

	watcher *fsnotify.Watcher
}

func NewTailer(path string, store *RecordStore, handler LineHandler, startupLines int) *Tailer {
	return &Tailer{
		Path:              path,
		store:             store,
		handler:           handler,
		startupLines:      startupLines,
		progressEvery:     60 * time.Second,
		sleepBetweenLines: 50 * time.Microsecond,
	}
}

// WatchDir installs an fsnotify watch on the directory containing
// t.Path. It never blocks ticking; events it delivers are advisory
// only, handled by the supervisor (which reads from w.Events) to wake
// the tick loop early instead of waiting out logCheckInterval.
func (t *Tailer) WatchDir(w *fsnotify.Watcher) error {
	t.watcher = w
	return w.Add(filepath.Dir(t.Path))
}

// Tick runs one pass of spec.md §4.3's algorithm: stat, detect
// rotation, stream new lines, persist the bookmark. running is
// consulted between lines for cooperative cancellation.
func (t *Tailer) Tick(running func() bool) error {
	info, err := os.Stat(t.Path)
	if err != nil {
		logrus.Debugf("hostblock: stat %s: %v", t.Path, err)
		return nil
	}
	currentSize := info.Size()

	bm, existed := t.store.GetBookmark(t.Path)
	if !existed {
		bm = &LogFileBookmark{Path: t.Path, Bookmark: 0, Size: 0}
		if t.startupLines > 0 {
			start, serr := seekToLastLines(t.Path, t.startupLines)
			if serr == nil {
				bm.Bookmark = start
			}
		}
		if err := t.store.UpdateBookmark(t.Path, bm.Bookmark, 0); err != nil {
			return err
		}
	}

	if currentSize < bm.Size {
		logrus.Warnf("hostblock: %s shrank (%d -> %d bytes), treating as rotation", t.Path, bm.Size, currentSize)
		if err := t.store.UpdateBookmark(t.Path, 0, currentSize); err != nil {
			return err
		}
		bm, _ = t.store.GetBookmark(t.Path)
	}

	f, err := os.Open(t.Path)
	if err != nil {
		logrus.Debugf("hostblock: open %s: %v", t.Path, err)
		return nil
	}
	defer f.Close()

	if _, err := f.Seek(bm.Bookmark, io.SeekStart); err != nil {
		return newError(KindIO, "seek "+t.Path, err)
	}

	initial := bm.Bookmark
	lastProgress := time.Now()
	r := bufio.NewReader(f)
	pos := bm.Bookmark

	for {
		if running != nil && !running() {
			break
		}
		line, err := r.ReadString('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			pos += int64(len(line))
			t.handler(t.Path, line[:len(line)-1])
		} else {
			// Partial line at EOF: not delivered until it's complete
			// (spec.md §4.3's "line crossing an EOF boundary" edge case).
			break
		}
		if err != nil {
			break
		}
		if time.Since(lastProgress) >= t.progressEvery {
			total := currentSize - initial
			if total > 0 {
				pct := float64(pos-initial) / float64(total) * 100
				logrus.Infof("hostblock: %s %.1f%% read", t.Path, pct)
			}
			lastProgress = time.Now()
		}
		time.Sleep(t.sleepBetweenLines)
	}

	return t.store.UpdateBookmark(t.Path, pos, currentSize)
}

// seekToLastLines returns a byte offset such that reading from it
// yields roughly the last n lines of path — the startup replay window
// (SPEC_FULL.md §5), carried from the teacher's skipToLastLines.
func seekToLastLines(path string, n int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 || n <= 0 {
		return size, nil
	}

	const chunk = 64 * 1024
	var buf []byte
	var offset int64 = size
	newlines := 0

	for offset > 0 && newlines <= n {
		readSize := int64(chunk)
		if readSize > offset {
			readSize = offset
		}
		offset -= readSize
		tmp := make([]byte, readSize)
		if _, err := f.ReadAt(tmp, offset); err != nil && err != io.EOF {
			return 0, err
		}
		buf = append(tmp, buf...)
		newlines = countNewlinesExcludingTrailer(buf)
	}

	return offset + int64(lastLinesOffset(buf, n)), nil
}

// countNewlinesExcludingTrailer counts '\n' bytes in buf, ignoring a
// single trailing newline: the last line's own terminator shouldn't
// count against the "last n lines" budget.
func countNewlinesExcludingTrailer(buf []byte) int {
	end := len(buf)
	if end > 0 && buf[end-1] == '\n' {
		end--
	}
	count := 0
	for _, b := range buf[:end] {
		if b == '\n' {
			count++
		}
	}
	return count
}

// lastLinesOffset returns the index into buf right after the n-th
// '\n' counted backward from the end, skipping the trailing
// newline itself. Returns 0 (replay from the start) if buf holds
// fewer than n complete lines.
func lastLinesOffset(buf []byte, n int) int {
	end := len(buf)
	if end > 0 && buf[end-1] == '\n' {
		end--
	}
	count := 0
	for i := end - 1; i >= 0; i-- {
		if buf[i] == '\n' {
			count++
			if count == n {
				return i + 1
			}
		}
	}
	return 0
}
