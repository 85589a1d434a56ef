// Package joblog writes one append-only log file per trigger under
// base/yyyy-MM-dd/<logID>.log and serves line-ranged reads for the log RPC.
package joblog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobrig/internal/model"
	"jobrig/pkg/logx"
)

const dateLayout = "2006-01-02"

// Store owns the log directory tree.
type Store struct {
	base string
	log  logx.Logger

	// Appends to the same file are serialized; concurrent triggers write
	// to distinct files and only contend on the map.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(base string, log logx.Logger) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{base: base, log: log, locks: make(map[string]*sync.Mutex)}, nil
}

// Path returns the log file for one trigger. logDateTime is the trigger's
// unix-ms timestamp and selects the date directory.
func (s *Store) Path(logDateTime, logID int64) string {
	day := time.UnixMilli(logDateTime).Format(dateLayout)
	return filepath.Join(s.base, day, fmt.Sprintf("%d.log", logID))
}

func (s *Store) fileLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Append writes one timestamped line to the trigger's log file, creating
// the date directory on first use.
func (s *Store) Append(logDateTime, logID int64, line string) {
	path := s.Path(logDateTime, logID)
	l := s.fileLock(path)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.log.Warn("job log mkdir failed", logx.Err(err))
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn("job log open failed", logx.String("path", path), logx.Err(err))
		return
	}
	defer f.Close()

	stamp := time.Now().Format("2006-01-02 15:04:05.000")
	if _, err := fmt.Fprintf(f, "%s %s\n", stamp, strings.TrimRight(line, "\n")); err != nil {
		s.log.Warn("job log write failed", logx.String("path", path), logx.Err(err))
	}
}

// Appendf is Append with formatting.
func (s *Store) Appendf(logDateTime, logID int64, format string, args ...any) {
	s.Append(logDateTime, logID, fmt.Sprintf(format, args...))
}

// ReadLines returns lines [fromLine, end] of the trigger's file, 1-based.
// A missing file yields a result that says so rather than an error, so the
// admin UI can poll before the first line lands.
func (s *Store) ReadLines(logDateTime, logID int64, fromLine int) model.LogResult {
	if fromLine < 1 {
		fromLine = 1
	}
	path := s.Path(logDateTime, logID)

	f, err := os.Open(path)
	if err != nil {
		return model.LogResult{
			FromLineNum: fromLine,
			ToLineNum:   fromLine,
			LogContent:  "log file not found: " + filepath.Base(path),
		}
	}
	defer f.Close()

	var sb strings.Builder
	lineNo := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		if lineNo < fromLine {
			continue
		}
		sb.WriteString(sc.Text())
		sb.WriteByte('\n')
	}
	to := lineNo
	if to < fromLine {
		to = fromLine
	}
	return model.LogResult{FromLineNum: fromLine, ToLineNum: to, LogContent: sb.String()}
}

// Cleanup deletes date directories older than retentionDays. Retention
// below 3 days disables cleanup. Returns the number of directories removed.
func (s *Store) Cleanup(retentionDays int) int {
	if retentionDays < 3 {
		return 0
	}
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.ParseInLocation(dateLayout, e.Name(), time.Local)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(s.base, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.log.Info("job log cleanup", logx.Int("removed_dirs", removed), logx.Int("retention_days", retentionDays))
	}
	return removed
}
