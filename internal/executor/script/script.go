// Package script runs script-typed jobs as external interpreter processes.
// Each (job, source version) pair is materialized once under the script
// directory; older versions of the same job are removed on write.
package script

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"jobrig/internal/executor/handler"
	"jobrig/internal/model"
)

// Handler executes one job's script. It implements handler.Handler; the
// version is the source's update timestamp and drives staleness checks the
// same way glue versions do.
type Handler struct {
	jobID    int
	glueType model.GlueType
	source   string
	version  int64
	dir      string

	writeOnce sync.Once
	path      string
	writeErr  error
}

// New prepares a script handler. The script file is written lazily on
// first execution.
func New(dir string, jobID int, glueType model.GlueType, source string, version int64) (*Handler, error) {
	if !glueType.IsScript() {
		return nil, fmt.Errorf("glue type %s is not a script", glueType)
	}
	return &Handler{
		jobID:    jobID,
		glueType: glueType,
		source:   source,
		version:  version,
		dir:      dir,
	}, nil
}

func (h *Handler) Version() int64 { return h.version }

func (h *Handler) Init() error    { return nil }
func (h *Handler) Destroy() error { return nil }

// materialize writes glue_<jobID>_<version><ext> and removes older
// versions of the same job so the directory does not accumulate stale
// sources.
func (h *Handler) materialize() (string, error) {
	h.writeOnce.Do(func() {
		if err := os.MkdirAll(h.dir, 0o755); err != nil {
			h.writeErr = err
			return
		}
		name := fmt.Sprintf("glue_%d_%d%s", h.jobID, h.version, h.glueType.Ext())
		path := filepath.Join(h.dir, name)

		h.removeStaleVersions(name)

		if _, err := os.Stat(path); err == nil {
			h.path = path
			return
		}
		if err := os.WriteFile(path, []byte(h.source), 0o755); err != nil {
			h.writeErr = err
			return
		}
		h.path = path
	})
	return h.path, h.writeErr
}

func (h *Handler) removeStaleVersions(keep string) {
	prefix := fmt.Sprintf("glue_%d_", h.jobID)
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == keep || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		_ = os.Remove(filepath.Join(h.dir, e.Name()))
	}
}

// Execute runs the interpreter with args (param, shard index, shard total)
// and streams combined output into the trigger log. Exit 0 maps to
// success, a deadline hit to the timeout code, anything else to failure.
func (h *Handler) Execute(ctx context.Context, jc handler.Context) handler.Result {
	path, err := h.materialize()
	if err != nil {
		return handler.Failf("script write failed: %v", err)
	}

	cmd := exec.CommandContext(ctx, h.glueType.Cmd(), path,
		jc.Param, strconv.Itoa(jc.ShardIndex), strconv.Itoa(jc.ShardTotal))

	// The script runs in its own process group so cancellation reaches
	// child processes too, not just the interpreter. Without this a
	// backgrounded child keeps the output pipe open past the deadline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	jc.Log("script start: %s %s", h.glueType.Cmd(), filepath.Base(path))

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return handler.Failf("script start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			jc.Log("%s", sc.Text())
		}
	}()

	err = cmd.Wait()
	_ = pw.Close()
	<-done

	if ctx.Err() != nil {
		return handler.Result{Code: model.CodeTimeout, Msg: "script execution timed out"}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return handler.Failf("script exit code %d", exitErr.ExitCode())
		}
		return handler.Failf("script failed: %v", err)
	}
	return handler.OK()
}
