package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yourorg/darkstar/internal/model"
)

const (
	maxLine    = 1 << 20
	stderrKeep = 2048
	killGrace  = 2 * time.Second
)

// tailBuffer keeps the last stderrKeep bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrKeep {
		t.buf = t.buf[len(t.buf)-stderrKeep:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// runLines starts name with args and calls onLine for every stdout line as
// it arrives, so a run cut short by ctx still delivers its early output.
func runLines(ctx context.Context, name string, args []string, onLine func([]byte)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = killGrace
	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	log.WithFields(log.Fields{"cmd": name}).Debugf("exec: %s %s", name, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %s: %v", ErrScannerUnavailable, name, err)
		}
		return fmt.Errorf("start %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		done <- err
	}()

	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		onLine(append([]byte(nil), line...))
	}
	// drain so Wait is never blocked on a full pipe after a scan error
	_, _ = io.Copy(io.Discard, pr)
	waitErr := <-done

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrScannerTimeout, name, ctx.Err())
	}
	if waitErr != nil {
		if tail := stderr.String(); tail != "" {
			return fmt.Errorf("%s failed: %w: %s", name, waitErr, tail)
		}
		return fmt.Errorf("%s failed: %w", name, waitErr)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s output: %w", name, err)
	}
	return nil
}

// collectLines runs the plan's command and wraps each accepted line as a raw
// record of the given kind.
func collectLines(ctx context.Context, plan *Plan, kind string, accept func([]byte) bool) ([]model.RawFinding, error) {
	var out []model.RawFinding
	err := runLines(ctx, plan.Command, plan.Args, func(line []byte) {
		if accept == nil || accept(line) {
			out = append(out, newRaw(plan, kind, line))
		}
	})
	return out, err
}
