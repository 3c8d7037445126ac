package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RunWorker is the room worker's main loop, run inside the child process.
// It announces readiness, forwards engine hypotheses to out, and feeds
// audio frames from in into the engine until a stop frame or EOF.
func RunWorker(ctx context.Context, in io.Reader, out io.Writer, engine Engine) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	writeFrame := func(f Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteFrame(out, f)
	}

	// Readiness is the first frame the parent sees.
	if err := writeFrame(Frame{Kind: KindReady}); err != nil {
		return fmt.Errorf("announcing readiness: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		for hyp := range engine.Hypotheses() {
			h := hyp
			if err := writeFrame(Frame{Kind: KindHypothesis, Hypothesis: &h}); err != nil {
				return fmt.Errorf("forwarding hypothesis: %w", err)
			}
		}
		return nil
	})

	var loopErr error
loop:
	for {
		frame, err := ReadFrame(in)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			loopErr = fmt.Errorf("reading audio frame: %w", err)
			break
		}
		switch frame.Kind {
		case KindStop:
			break loop
		case KindAudio:
			if err := engine.Feed(ctx, frame.Audio); err != nil {
				loopErr = fmt.Errorf("feeding engine: %w", err)
				break loop
			}
		default:
			slog.Warn("worker: unexpected frame from parent", "kind", frame.Kind)
		}
	}

	cancel()
	if err := engine.Close(); err != nil {
		slog.Warn("worker: engine close failed", "error", err)
	}
	if err := g.Wait(); err != nil && loopErr == nil {
		loopErr = err
	}
	return loopErr
}
