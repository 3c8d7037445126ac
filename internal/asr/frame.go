package asr

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// FrameKind discriminates the messages exchanged with a room worker over
// its stdin/stdout pipes.
type FrameKind uint8

const (
	// KindAudio carries a chunk of raw PCM from parent to child.
	KindAudio FrameKind = iota + 1
	// KindStop asks the child to drain and exit.
	KindStop
	// KindReady is the first frame out of the child once the engine is warm.
	KindReady
	// KindHypothesis carries one engine emission from child to parent.
	KindHypothesis
)

// Frame is the IPC envelope. Exactly one payload field is set per kind.
type Frame struct {
	Kind       FrameKind   `msgpack:"kind"`
	Audio      []byte      `msgpack:"audio,omitempty"`
	Hypothesis *Hypothesis `msgpack:"hypothesis,omitempty"`
}

// maxFrameSize bounds a single frame; anything larger is a protocol error.
const maxFrameSize = 16 << 20

// WriteFrame writes one length-prefixed msgpack frame.
func WriteFrame(w io.Writer, f Frame) error {
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed msgpack frame. Returns io.EOF on a
// clean end of stream.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("reading frame length: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return Frame{}, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("reading frame payload: %w", err)
	}
	var f Frame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}
