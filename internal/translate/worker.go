package translate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/confcap/confcap/internal/metrics"
	"github.com/confcap/confcap/internal/transcript"
)

const (
	defaultPollInterval = time.Second
	// defaultBatchCap limits translations per language per cycle so an
	// MT backlog in one language never starves the others.
	defaultBatchCap = 4
)

// Worker polls its reconciler's translation queue and keeps every
// currently demanded target language satisfied.
type Worker struct {
	rec *transcript.Reconciler
	tr  Translator

	interval time.Duration
	batchCap int

	mu      sync.Mutex
	targets map[string]int // lang -> subscriber count

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// WorkerConfig tunes a Worker; zero values select the defaults.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchCap     int
}

// NewWorker creates a Worker over rec. Call Start to begin cycling.
func NewWorker(rec *transcript.Reconciler, tr Translator, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchCap <= 0 {
		cfg.BatchCap = defaultBatchCap
	}
	return &Worker{
		rec:      rec,
		tr:       tr,
		interval: cfg.PollInterval,
		batchCap: cfg.BatchCap,
		targets:  make(map[string]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe adds one subscriber for lang. The source language is ignored;
// it needs no translation.
func (w *Worker) Subscribe(lang string) {
	if lang == "" || lang == w.rec.SourceLang() {
		return
	}
	w.mu.Lock()
	w.targets[lang]++
	w.mu.Unlock()
}

// Unsubscribe removes one subscriber for lang, dropping the language from
// scope when the count reaches zero.
func (w *Worker) Unsubscribe(lang string) {
	if lang == "" || lang == w.rec.SourceLang() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.targets[lang] <= 1 {
		delete(w.targets, lang)
		return
	}
	w.targets[lang]--
}

// Targets returns a copy of the per-language subscriber counts.
func (w *Worker) Targets() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.targets))
	for lang, n := range w.targets {
		out[lang] = n
	}
	return out
}

// SetTargets replaces the subscriber counts wholesale. An engine restart
// uses this to hand the old worker's subscriptions to its successor.
func (w *Worker) SetTargets(counts map[string]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.targets = make(map[string]int, len(counts))
	for lang, n := range counts {
		if lang == "" || lang == w.rec.SourceLang() || n <= 0 {
			continue
		}
		w.targets[lang] = n
	}
}

// TargetLangs returns the languages currently in scope, sorted.
func (w *Worker) TargetLangs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.targets))
	for lang := range w.targets {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Start launches the poll loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop ends the loop and waits for the current cycle to finish.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		start := time.Now()
		w.cycle()

		wait := w.interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-w.stop:
			return
		case <-time.After(wait):
		}
	}
}

// cycle snapshots the queue, translates up to the batch cap per language,
// and submits per-language batches back to the reconciler. The reconciler
// lock is never held across MT calls.
func (w *Worker) cycle() {
	langs := w.TargetLangs()
	if len(langs) == 0 {
		return
	}
	pending := w.rec.PendingTranslations()
	if len(pending) == 0 {
		return
	}
	source := w.rec.SourceLang()
	ctx := context.Background()

	for _, lang := range langs {
		start := time.Now()
		var results []transcript.TranslationResult
		for _, req := range pending {
			if len(results) >= w.batchCap {
				break
			}
			if req.TranslatedLangs[lang] {
				continue
			}
			translated, err := w.tr.Translate(ctx, req.Sentence, source, lang)
			if err != nil {
				metrics.TranslationErrorsTotal.Inc()
				slog.Warn("translation failed, retrying next cycle",
					"lang", lang, "line_idx", req.LineIdx, "sent_idx", req.SentIdx, "error", err)
				continue
			}
			results = append(results, transcript.TranslationResult{
				LineIdx:     req.LineIdx,
				SentIdx:     req.SentIdx,
				Sentence:    req.Sentence,
				Lang:        lang,
				Translation: translated,
			})
		}
		if len(results) > 0 {
			metrics.TranslationsTotal.Add(float64(len(results)))
			w.rec.SubmitTranslations(results, time.Since(start))
		}
	}
}
