package asr

import "context"

// EngineConfig is everything the recognition engine needs for one room.
type EngineConfig struct {
	URL            string
	Model          string
	SourceLang     string
	Diarization    bool
	VAC            bool
	BufferTrimming string
	MinChunkSize   float64
	VACChunkSize   float64
	Device         string
	ComputeType    string
}

// Engine is the recognition collaborator as seen by a room worker:
// PCM in, hypotheses out.
type Engine interface {
	// Feed pushes one chunk of raw audio into the engine.
	Feed(ctx context.Context, pcm []byte) error
	// Hypotheses yields engine emissions until Close.
	Hypotheses() <-chan Hypothesis
	// Close tears the engine down and closes the hypothesis channel.
	Close() error
}
