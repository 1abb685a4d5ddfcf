// Package transcode feeds published streams to an ffmpeg process as
// MPEG-TS on stdin. What ffmpeg does with it (re-encode, package, push) is
// left to the configured output arguments.
package transcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/livecore/internal/source"
	"github.com/zsiec/livecore/internal/tsmux"
	"github.com/zsiec/livecore/media"
)

// KeyPlaceholder is replaced by the stream key in the output URL and args.
const KeyPlaceholder = "{key}"

const (
	maxStderrLines = 50
	exitTimeout    = 5 * time.Second
)

// ErrNotRunning is returned for frames written while no process is running.
var ErrNotRunning = errors.New("transcode: ffmpeg not running")

// Config describes the ffmpeg invocation.
type Config struct {
	FFmpegPath string
	OutputArgs []string
	OutputURL  string
}

// Args returns the ffmpeg arguments for key.
func (c Config) Args(key string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-fflags", "+genpts",
		"-f", "mpegts",
		"-i", "pipe:0",
	}
	for _, a := range c.OutputArgs {
		args = append(args, strings.ReplaceAll(a, KeyPlaceholder, key))
	}
	return append(args, strings.ReplaceAll(c.OutputURL, KeyPlaceholder, key))
}

// Transcoder runs one ffmpeg process per publish. It implements
// source.FrameWriter.
type Transcoder struct {
	cfg Config
	log *slog.Logger

	key   string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	mux   *tsmux.Muxer

	stderrMu    sync.RWMutex
	stderrLines []string
	stderrDone  chan struct{}
}

// New creates a Transcoder.
func New(cfg Config, log *slog.Logger) *Transcoder {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &Transcoder{cfg: cfg, log: log.With("component", "transcoder")}
}

// Open starts ffmpeg for the stream.
func (t *Transcoder) Open(req source.PublishRequest) error {
	t.key = req.Key
	args := t.cfg.Args(req.Key)
	t.log.Debug("ffmpeg command", "stream", req.Key, "binary", t.cfg.FFmpegPath, "args", strings.Join(args, " "))

	cmd := exec.Command(t.cfg.FFmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.mux = tsmux.New(stdin, t.log)
	t.stderrMu.Lock()
	t.stderrLines = t.stderrLines[:0]
	t.stderrMu.Unlock()
	t.stderrDone = make(chan struct{})
	go t.readStderr(stderr, t.stderrDone)

	t.log.Info("ffmpeg started", "stream", req.Key, "pid", cmd.Process.Pid)
	return nil
}

// WriteFrame muxes f into ffmpeg's stdin.
func (t *Transcoder) WriteFrame(f *media.Frame) error {
	if t.mux == nil {
		return ErrNotRunning
	}
	if err := t.mux.WriteFrame(f); err != nil {
		if errors.Is(err, tsmux.ErrNoSequenceHeader) {
			return err
		}
		// ffmpeg exited; stop feeding it until the next publish
		t.log.Warn("ffmpeg input closed", "stream", t.key, "error", err, "stderr", t.lastStderr())
		t.mux = nil
		return fmt.Errorf("writing to ffmpeg: %w", err)
	}
	return nil
}

// Close ends ffmpeg's input and waits for it to exit, interrupting and
// then killing it if it lingers.
func (t *Transcoder) Close() error {
	if t.cmd == nil {
		return nil
	}
	t.mux = nil
	t.stdin.Close()
	err := t.waitWithTimeout(exitTimeout)
	t.cmd = nil
	t.log.Info("ffmpeg stopped", "stream", t.key, "error", err)
	return err
}

// StderrLines returns the most recent ffmpeg diagnostics.
func (t *Transcoder) StderrLines() []string {
	t.stderrMu.RLock()
	defer t.stderrMu.RUnlock()
	lines := make([]string, len(t.stderrLines))
	copy(lines, t.stderrLines)
	return lines
}

func (t *Transcoder) lastStderr() string {
	lines := t.StderrLines()
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func (t *Transcoder) readStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.stderrMu.Lock()
		t.stderrLines = append(t.stderrLines, line)
		if len(t.stderrLines) > maxStderrLines {
			t.stderrLines = t.stderrLines[1:]
		}
		t.stderrMu.Unlock()
		t.log.Debug("ffmpeg stderr", "stream", t.key, "line", line)
	}
}

func (t *Transcoder) waitWithTimeout(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		// stderr must be drained before Wait closes it
		<-t.stderrDone
		done <- t.cmd.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.log.Warn("ffmpeg did not exit in time, interrupting", "pid", t.cmd.Process.Pid)
		_ = t.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(500 * time.Millisecond):
		t.log.Warn("ffmpeg ignored interrupt, killing", "pid", t.cmd.Process.Pid)
		_ = t.cmd.Process.Kill()
	}
	return <-done
}

// Sink wraps a Transcoder for cfg in an asynchronous sink.
func Sink(cfg Config, depth int, log *slog.Logger, opts ...source.AsyncSinkOption) source.Sink {
	return source.NewAsyncSink("transcode", New(cfg, log), depth, log, opts...)
}
