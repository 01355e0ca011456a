// Package procrunner implements the Process Runner (C1): a bounded-
// concurrency spawner for ffmpeg/ffprobe/the fingerprinter CLI. It parses
// progress, enforces a fair FIFO global decode semaphore shared across
// runner processes via Redis, and supports cooperative cancellation.
//
// The exec.CommandContext + context-timeout pattern is grounded on
// library_service/internal/ffprobe.ProbeFileWithContext.
package procrunner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrCanceled is returned by Run/SpawnStreaming when the context was
// canceled, distinguishing cancellation from a genuine tool failure.
var ErrCanceled = errors.New("procrunner: canceled")

const maxStderrLines = 5

// Result is the outcome of one external process invocation.
type Result struct {
	ExitCode   int
	Stdout     string
	StderrTail string
}

// Runner spawns external binaries and tracks the decode semaphore.
type Runner struct {
	sem    *Semaphore
	logger *logrus.Logger
}

func New(sem *Semaphore, logger *logrus.Logger) *Runner {
	return &Runner{sem: sem, logger: logger}
}

// Run executes cmd and waits for completion, capturing stdout in full and
// only the first maxStderrLines lines of stderr. onStderrLine, if non-nil,
// is invoked for every stderr line as it arrives.
func (r *Runner) Run(ctx context.Context, cmd string, args []string, onStderrLine func(string)) (*Result, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	setProcessGroup(c)

	var stdout bytes.Buffer
	c.Stdout = &stdout

	stderrPipe, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("procrunner: stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("procrunner: start %s: %w", cmd, err)
	}

	tail := make([]string, 0, maxStderrLines)
	scanner := bufio.NewScanner(stderrPipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(tail) < maxStderrLines {
			tail = append(tail, line)
		}
		if onStderrLine != nil {
			onStderrLine(line)
		}
	}

	waitErr := c.Wait()

	if ctx.Err() != nil {
		return nil, ErrCanceled
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("procrunner: run %s: %w", cmd, waitErr)
		}
	}

	return &Result{
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		StderrTail: strings.Join(tail, "\n"),
	}, nil
}

// timeTokenRE matches ffmpeg's progress token, e.g. "time=00:01:23.45".
var timeTokenRE = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)

// SpawnStreaming runs the decode stage under the global semaphore, parsing
// "time=HH:MM:SS.ss" tokens from stderr into a percentage of totalDuration.
// onProgress receives values in [0,100].
func (r *Runner) SpawnStreaming(ctx context.Context, cmd string, args []string, totalDuration float64, onProgress func(percent float64)) (*Result, error) {
	release, err := r.sem.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("procrunner: acquire decode semaphore: %w", err)
	}
	defer release()

	return r.Run(ctx, cmd, args, func(line string) {
		if onProgress == nil || totalDuration <= 0 {
			return
		}
		m := timeTokenRE.FindStringSubmatch(line)
		if m == nil {
			return
		}
		h, _ := strconv.ParseFloat(m[1], 64)
		min, _ := strconv.ParseFloat(m[2], 64)
		sec, _ := strconv.ParseFloat(m[3], 64)
		elapsed := h*3600 + min*60 + sec
		percent := (elapsed / totalDuration) * 100
		if percent > 100 {
			percent = 100
		}
		onProgress(percent)
	})
}

// IsSuccessWithWarnings implements the "nonzero exit but expected output
// file exists and is nonempty" tolerance from spec.md §4.1.
func IsSuccessWithWarnings(result *Result, outputNonEmpty bool) bool {
	return result.ExitCode != 0 && outputNonEmpty
}

// Semaphore is a fair FIFO global decode semaphore backed by a Redis list:
// acquisition blocks on BLPOP, which Redis serves to blocked clients in the
// order they started blocking on that key, giving FIFO fairness across
// runner processes without any additional bookkeeping.
type Semaphore struct {
	rdb      *redis.Client
	key      string
	capacity int
	logger   *logrus.Logger
}

func NewSemaphore(rdb *redis.Client, key string, capacity int, logger *logrus.Logger) *Semaphore {
	return &Semaphore{rdb: rdb, key: key, capacity: capacity, logger: logger}
}

// Init tops the token list up to capacity. Safe to call repeatedly (e.g. on
// every process start) since it only adds tokens, never removes.
func (s *Semaphore) Init(ctx context.Context) error {
	n, err := s.rdb.LLen(ctx, s.key).Result()
	if err != nil {
		return fmt.Errorf("procrunner: semaphore init: %w", err)
	}
	missing := int64(s.capacity) - n
	for i := int64(0); i < missing; i++ {
		if err := s.rdb.RPush(ctx, s.key, "1").Err(); err != nil {
			return fmt.Errorf("procrunner: semaphore init: %w", err)
		}
	}
	return nil
}

// Acquire blocks until a token is available and returns a release function.
func (s *Semaphore) Acquire(ctx context.Context) (func(), error) {
	res, err := s.rdb.BLPop(ctx, 0, s.key).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrCanceled
		}
		return nil, fmt.Errorf("procrunner: semaphore acquire: %w", err)
	}
	_ = res
	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Use a background context: release must not be skipped just
		// because the caller's context was canceled mid-job.
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.rdb.RPush(bg, s.key, "1").Err(); err != nil {
			s.logger.WithError(err).Warn("procrunner: semaphore release failed")
		}
	}, nil
}

func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Kill sends SIGTERM to the whole process group of cmd. C9's best-effort
// kill step does not use it; that step calls KillByNamePattern.
func Kill(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(c.Process.Pid)
	if err != nil {
		return c.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGTERM)
}

// KillByNamePattern best-effort SIGTERMs every host process whose command
// line matches pattern (e.g. "ffmpeg", the fingerprinter binary name). This
// is deliberately host-wide, not scoped to a single *exec.Cmd: C9's delete-
// all path has no per-job Cmd handles to target, only a best-effort sweep
// of whatever decode/fingerprint children are still running. No library in
// the dependency set offers process enumeration, so this shells out to the
// standard `pkill` utility rather than walking /proc by hand.
//
// A nonzero exit from pkill (including "no matching process") is not an
// error: the kill is best-effort per spec.md §4.9.
func KillByNamePattern(ctx context.Context, pattern string) error {
	c := exec.CommandContext(ctx, "pkill", "-f", pattern)
	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return fmt.Errorf("procrunner: kill by name pattern %q: %w", pattern, err)
	}
	return nil
}
