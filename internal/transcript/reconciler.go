package transcript

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/confcap/confcap/internal/asr"
	"github.com/confcap/confcap/internal/rolling"
)

const (
	// defaultCompareDepth freezes lines older than this many positions
	// from the tail; ASR revises recent history, never ancient history.
	defaultCompareDepth = 10
	// defaultLastN caps the sentences carried by one broadcast chunk.
	defaultLastN = 20
	// defaultChannelSize bounds the broadcast channel. The producer
	// blocks when the single consumer falls behind.
	defaultChannelSize = 64
	// delayWindow is the sample count of the latency rolling averages.
	delayWindow = 4
)

// ReconcilerConfig configures one session's reconciler.
type ReconcilerConfig struct {
	SourceLang   string
	CompareDepth int
	LastN        int
	ChannelSize  int
	// Tokenizer overrides the language-derived tokenizer; tests use this.
	Tokenizer Tokenizer
	// Snapshot, when set, receives the full line sequence after every
	// update.
	Snapshot *SessionSnapshot
}

// Reconciler maintains the canonical Line/Sentence model from a stream of
// ASR hypotheses. All mutations happen under one mutex, which is never
// held across I/O other than the snapshot write.
type Reconciler struct {
	mu sync.Mutex

	sourceLang   string
	compareDepth int
	lastN        int
	tokenizer    Tokenizer
	snapshot     *SessionSnapshot

	lines      []*Line
	queue      []*TranslationRequest
	incomplete string

	transcriptionDelay *rolling.Average
	translationDelay   *rolling.Average

	updates   chan BroadcastChunk
	last      *BroadcastChunk
	closed    bool
	closeOnce sync.Once
}

// NewReconciler builds a reconciler for sourceLang.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.CompareDepth <= 0 {
		cfg.CompareDepth = defaultCompareDepth
	}
	if cfg.LastN <= 0 {
		cfg.LastN = defaultLastN
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = defaultChannelSize
	}
	tok := cfg.Tokenizer
	if tok == nil {
		var err error
		tok, err = NewTokenizer(cfg.SourceLang)
		if err != nil {
			return nil, fmt.Errorf("reconciler: %w", err)
		}
	}
	return &Reconciler{
		sourceLang:         cfg.SourceLang,
		compareDepth:       cfg.CompareDepth,
		lastN:              cfg.LastN,
		tokenizer:          tok,
		snapshot:           cfg.Snapshot,
		transcriptionDelay: rolling.NewAverage(delayWindow),
		translationDelay:   rolling.NewAverage(delayWindow),
		updates:            make(chan BroadcastChunk, cfg.ChannelSize),
	}, nil
}

// SourceLang returns the session's source language.
func (r *Reconciler) SourceLang() string { return r.sourceLang }

// Updates is the single-consumer broadcast channel. It closes on Close.
func (r *Reconciler) Updates() <-chan BroadcastChunk { return r.updates }

// LastChunk returns the most recent broadcast chunk, nil before the first
// one. The chunk's lines are private copies and safe to marshal.
func (r *Reconciler) LastChunk() *BroadcastChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Close ends the broadcast stream. Submissions after Close are dropped.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.updates)
	})
}

// SubmitHypothesis applies one ASR emission to the model and broadcasts
// when a line changed, a line was appended, or the incomplete sentence
// changed. The buffer transcription alone never triggers a broadcast.
func (r *Reconciler) SubmitHypothesis(h asr.Hypothesis) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.transcriptionDelay.Add(h.RemainingTimeTranscription)

	changed := false
	// Alignment is fixed against the line count at batch entry; appends
	// made inside the loop must not shift the lines that follow them.
	existingCount := len(r.lines)
	for i, hl := range h.Lines {
		text := strings.TrimSpace(hl.Text)
		if text == "" {
			continue
		}
		complete, trailing := r.splitComplete(text)

		// Only the last line of the batch carries the room's
		// incomplete sentence.
		if i == len(h.Lines)-1 && trailing != r.incomplete {
			r.incomplete = trailing
			changed = true
		}

		lineIdx := existingCount - len(h.Lines) + i
		if lineIdx >= 0 && lineIdx < existingCount {
			if lineIdx < existingCount-r.compareDepth {
				slog.Debug("hypothesis for frozen line discarded",
					"line_idx", lineIdx, "existing", existingCount)
				continue
			}
			if r.updateLineLocked(r.lines[lineIdx], hl, text, complete) {
				changed = true
			}
			continue
		}

		line := &Line{
			LineIdx: len(r.lines),
			Beg:     parseClock(hl.Beg),
			End:     parseClock(hl.End),
			Speaker: hl.SpeakerTag(),
			Text:    text,
		}
		for j, s := range complete {
			line.Sentences = append(line.Sentences, NewSentence(j, r.sourceLang, s))
		}
		r.lines = append(r.lines, line)
		r.upsertRequestsLocked(line)
		changed = true
	}

	if changed {
		r.publishLocked()
	}
}

// updateLineLocked reconciles one existing line against its revision.
// Sentences whose source text is unchanged keep their translations.
func (r *Reconciler) updateLineLocked(line *Line, hl asr.HypothesisLine, text string, complete []string) bool {
	if line.Text == text {
		return false
	}
	line.Beg = parseClock(hl.Beg)
	line.End = parseClock(hl.End)
	line.Speaker = hl.SpeakerTag()
	line.Text = text

	merged := make([]*Sentence, 0, len(complete))
	for j, text := range complete {
		if j < len(line.Sentences) && line.Sentences[j].SourceText == text {
			merged = append(merged, line.Sentences[j])
			continue
		}
		merged = append(merged, NewSentence(j, r.sourceLang, text))
	}
	line.Sentences = merged
	r.upsertRequestsLocked(line)
	return true
}

// upsertRequestsLocked maintains the translation queue for every sentence
// of line: unchanged entries are left alone, changed ones reset their
// satisfied set, new ones are appended.
func (r *Reconciler) upsertRequestsLocked(line *Line) {
	for _, sent := range line.Sentences {
		var req *TranslationRequest
		for _, q := range r.queue {
			if q.LineIdx == line.LineIdx && q.SentIdx == sent.SentIdx {
				req = q
				break
			}
		}
		if req == nil {
			r.queue = append(r.queue, &TranslationRequest{
				LineIdx:         line.LineIdx,
				SentIdx:         sent.SentIdx,
				Sentence:        sent.SourceText,
				TranslatedLangs: make(map[string]bool),
			})
			continue
		}
		if req.Sentence != sent.SourceText {
			req.Sentence = sent.SourceText
			req.TranslatedLangs = make(map[string]bool)
		}
	}
}

// SubmitTranslations applies finished MT results. Results whose source
// text no longer matches are stale and silently discarded. elapsed is the
// wall time of the whole batch; the per-sentence share feeds the
// translation latency average.
func (r *Reconciler) SubmitTranslations(results []TranslationResult, elapsed time.Duration) {
	if len(results) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.translationDelay.Add(elapsed.Seconds() / float64(len(results)))

	for _, res := range results {
		if res.LineIdx < 0 || res.LineIdx >= len(r.lines) {
			slog.Warn("translation for unknown line discarded", "line_idx", res.LineIdx)
			continue
		}
		line := r.lines[res.LineIdx]
		if res.SentIdx < 0 || res.SentIdx >= len(line.Sentences) {
			slog.Warn("translation for unknown sentence discarded",
				"line_idx", res.LineIdx, "sent_idx", res.SentIdx)
			continue
		}
		sent := line.Sentences[res.SentIdx]
		if sent.SourceText != res.Sentence {
			slog.Debug("stale translation discarded",
				"line_idx", res.LineIdx, "sent_idx", res.SentIdx, "lang", res.Lang)
			continue
		}
		sent.Translations[res.Lang] = res.Translation
		for _, q := range r.queue {
			if q.LineIdx == res.LineIdx && q.SentIdx == res.SentIdx && q.Sentence == res.Sentence {
				q.TranslatedLangs[res.Lang] = true
				break
			}
		}
	}

	r.publishLocked()
}

// PendingTranslations snapshots the translation queue. The copies are
// deep; the caller may inspect them without the lock.
func (r *Reconciler) PendingTranslations() []TranslationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TranslationRequest, 0, len(r.queue))
	for _, q := range r.queue {
		langs := make(map[string]bool, len(q.TranslatedLangs))
		for k, v := range q.TranslatedLangs {
			langs[k] = v
		}
		out = append(out, TranslationRequest{
			LineIdx:         q.LineIdx,
			SentIdx:         q.SentIdx,
			Sentence:        q.Sentence,
			TranslatedLangs: langs,
		})
	}
	return out
}

// Lines returns a deep copy of the full line sequence.
func (r *Reconciler) Lines() []*Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyLines(r.lines, 0)
}

// publishLocked builds the last-N view, caches it for late joiners, and
// emits one broadcast chunk. Empty chunks (no sentences, no incomplete
// sentence) update the cache but are not sent.
func (r *Reconciler) publishLocked() {
	view := r.lastNViewLocked()
	chunk := BroadcastChunk{
		LastNSents:         view,
		IncompleteSentence: r.incomplete,
		TranscriptionDelay: r.transcriptionDelay.Mean(),
		TranslationDelay:   r.translationDelay.Mean(),
	}
	r.last = &chunk
	if len(view) > 0 || r.incomplete != "" {
		r.updates <- chunk
	}

	if r.snapshot != nil {
		if err := r.snapshot.Write(r.lines); err != nil {
			slog.Error("snapshot write failed", "path", r.snapshot.Path(), "error", err)
		}
	}
}

// lastNViewLocked walks the lines in reverse collecting trailing sentences
// until lastN are gathered, then restores forward order. All returned
// lines and sentences are copies.
func (r *Reconciler) lastNViewLocked() []*Line {
	remaining := r.lastN
	var reversed []*Line
	for i := len(r.lines) - 1; i >= 0 && remaining > 0; i-- {
		src := r.lines[i]
		if len(src.Sentences) == 0 {
			continue
		}
		take := len(src.Sentences)
		if take > remaining {
			take = remaining
		}
		cp := &Line{
			LineIdx: src.LineIdx,
			Beg:     src.Beg,
			End:     src.End,
			Speaker: src.Speaker,
		}
		for _, s := range src.Sentences[len(src.Sentences)-take:] {
			cp.Sentences = append(cp.Sentences, s.clone())
		}
		reversed = append(reversed, cp)
		remaining -= take
	}
	out := make([]*Line, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		out = append(out, reversed[i])
	}
	return out
}

// splitComplete tokenizes text and strips a trailing sentence that lacks a
// terminator, returning it separately.
func (r *Reconciler) splitComplete(text string) (complete []string, trailing string) {
	sents := r.tokenizer.Tokenize(text)
	if len(sents) == 0 {
		return nil, ""
	}
	last := sents[len(sents)-1]
	if !endsWithTerminator(last) {
		return sents[:len(sents)-1], last
	}
	return sents, ""
}

func endsWithTerminator(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	runes := []rune(s)
	return isTerminator(runes[len(runes)-1])
}

// parseClock converts "HH:MM:SS" to integer seconds; malformed input maps
// to 0 with a log line.
func parseClock(s string) int {
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		slog.Warn("malformed clock value", "value", s)
		return 0
	}
	return h*3600 + m*60 + sec
}

func copyLines(lines []*Line, from int) []*Line {
	out := make([]*Line, 0, len(lines)-from)
	for _, src := range lines[from:] {
		cp := &Line{
			LineIdx: src.LineIdx,
			Beg:     src.Beg,
			End:     src.End,
			Speaker: src.Speaker,
			Text:    src.Text,
		}
		for _, s := range src.Sentences {
			cp.Sentences = append(cp.Sentences, s.clone())
		}
		out = append(out, cp)
	}
	return out
}
