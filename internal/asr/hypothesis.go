// Package asr defines the hypothesis model shared with room worker
// processes and the transport to the external recognition engine.
package asr

// Hypothesis is one emission from the recognition engine: an uncommitted
// buffer, zero or more revised lines, and a latency hint.
type Hypothesis struct {
	BufferTranscription        string           `json:"buffer_transcription" msgpack:"buffer_transcription"`
	Lines                      []HypothesisLine `json:"lines" msgpack:"lines"`
	RemainingTimeTranscription float64          `json:"remaining_time_transcription" msgpack:"remaining_time_transcription"`
}

// HypothesisLine is one utterance slice as the engine reports it. Beg and
// End are clock strings ("HH:MM:SS"). Speaker is nil when unknown.
type HypothesisLine struct {
	Beg     string `json:"beg" msgpack:"beg"`
	End     string `json:"end" msgpack:"end"`
	Text    string `json:"text" msgpack:"text"`
	Speaker *int   `json:"speaker" msgpack:"speaker"`
}

// SpeakerTag returns the speaker index, -1 when unknown.
func (l HypothesisLine) SpeakerTag() int {
	if l.Speaker == nil {
		return -1
	}
	return *l.Speaker
}
