package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopTimeout bounds how long the parent waits for a worker to exit after
// the stop frame. A worker still alive after that is killed and reaped in
// the background; the parent never blocks on it.
const stopTimeout = 10 * time.Second

// Process supervises one room worker child process. The parent feeds it
// audio frames over stdin and consumes hypothesis frames from stdout.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex
	hyps    chan Hypothesis
	exited  chan struct{}
	stopped sync.Once
}

// NewProcess prepares (but does not start) the worker command. The child's
// stderr is passed through so its logs reach the parent's log stream.
func NewProcess(name string, args ...string) *Process {
	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr
	return &Process{
		cmd:    cmd,
		hyps:   make(chan Hypothesis, 16),
		exited: make(chan struct{}),
	}
}

// Start launches the child and begins consuming its output. onReady fires
// once, when the child's ready frame arrives.
func (p *Process) Start(onReady func()) error {
	var err error
	p.stdin, err = p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	p.stdout, err = p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	slog.Info("worker started", "pid", p.cmd.Process.Pid)

	go p.readLoop(onReady)
	return nil
}

func (p *Process) readLoop(onReady func()) {
	defer func() {
		close(p.hyps)
		if err := p.cmd.Wait(); err != nil {
			slog.Warn("worker exited with error", "error", err)
		}
		close(p.exited)
	}()

	readySeen := false
	for {
		frame, err := ReadFrame(p.stdout)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("worker output stream broken", "error", err)
			}
			return
		}
		switch frame.Kind {
		case KindReady:
			if !readySeen {
				readySeen = true
				if onReady != nil {
					onReady()
				}
			}
		case KindHypothesis:
			if frame.Hypothesis != nil {
				p.hyps <- *frame.Hypothesis
			}
		default:
			slog.Warn("unexpected frame from worker", "kind", frame.Kind)
		}
	}
}

// SendAudio forwards one audio chunk to the child.
func (p *Process) SendAudio(ctx context.Context, pcm []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := WriteFrame(p.stdin, Frame{Kind: KindAudio, Audio: pcm}); err != nil {
		return fmt.Errorf("sending audio to worker: %w", err)
	}
	return nil
}

// Hypotheses yields the child's emissions; closed once the child exits.
func (p *Process) Hypotheses() <-chan Hypothesis {
	return p.hyps
}

// Stop asks the child to exit and waits up to the stop timeout. A child
// that overstays is killed; either way Stop returns.
func (p *Process) Stop(ctx context.Context) error {
	p.stopped.Do(func() {
		p.writeMu.Lock()
		if err := WriteFrame(p.stdin, Frame{Kind: KindStop}); err != nil {
			slog.Warn("sending stop to worker", "error", err)
		}
		p.stdin.Close()
		p.writeMu.Unlock()

		timer := time.NewTimer(stopTimeout)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-ctx.Done():
			slog.Warn("worker stop abandoned", "reason", ctx.Err())
			p.cmd.Process.Kill()
		case <-timer.C:
			slog.Warn("worker did not exit in time, killing", "pid", p.cmd.Process.Pid)
			p.cmd.Process.Kill()
		}
	})
	return nil
}
