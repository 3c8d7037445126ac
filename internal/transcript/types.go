// Package transcript owns the canonical line/sentence model of a room:
// reconciling ASR hypotheses, tracking translations, broadcasting deltas
// and persisting session snapshots.
package transcript

import "encoding/json"

// Sentence is the unit the system reconciles and translates. The source
// text is a distinguished field; translations are keyed by language and
// are valid only while the source text is unchanged.
type Sentence struct {
	SentIdx      int               `msgpack:"sent_idx"`
	SourceLang   string            `msgpack:"source_lang"`
	SourceText   string            `msgpack:"source_text"`
	Translations map[string]string `msgpack:"translations"`
}

// NewSentence creates a Sentence with no translations.
func NewSentence(idx int, sourceLang, text string) *Sentence {
	return &Sentence{
		SentIdx:      idx,
		SourceLang:   sourceLang,
		SourceText:   text,
		Translations: make(map[string]string),
	}
}

// Content returns the sentence in the requested language, or "" if no such
// translation exists yet.
func (s *Sentence) Content(lang string) string {
	if lang == s.SourceLang {
		return s.SourceText
	}
	return s.Translations[lang]
}

// clone deep-copies the sentence, including its translation map.
func (s *Sentence) clone() *Sentence {
	c := &Sentence{
		SentIdx:      s.SentIdx,
		SourceLang:   s.SourceLang,
		SourceText:   s.SourceText,
		Translations: make(map[string]string, len(s.Translations)),
	}
	for k, v := range s.Translations {
		c.Translations[k] = v
	}
	return c
}

// MarshalJSON renders the wire shape subscribers consume: the source and
// every translation folded into one content map.
func (s *Sentence) MarshalJSON() ([]byte, error) {
	content := make(map[string]string, len(s.Translations)+1)
	for k, v := range s.Translations {
		content[k] = v
	}
	content[s.SourceLang] = s.SourceText
	return json.Marshal(struct {
		SentIdx int               `json:"sent_idx"`
		Content map[string]string `json:"content"`
	}{s.SentIdx, content})
}

// Line is one ASR utterance slice. Text holds the last raw ASR string for
// change detection only and is not part of the subscriber wire shape.
type Line struct {
	LineIdx   int         `msgpack:"line_idx" json:"line_idx"`
	Beg       int         `msgpack:"beg" json:"beg"`
	End       int         `msgpack:"end" json:"end"`
	Speaker   int         `msgpack:"speaker" json:"speaker"`
	Text      string      `msgpack:"text" json:"-"`
	Sentences []*Sentence `msgpack:"sentences" json:"sentences"`
}

// TranslationRequest is one entry of the to-translate queue, keyed by
// (LineIdx, SentIdx). A source-text change resets TranslatedLangs.
type TranslationRequest struct {
	LineIdx         int
	SentIdx         int
	Sentence        string
	TranslatedLangs map[string]bool
}

// TranslationResult carries one finished MT call back to the reconciler.
// Sentence is the source text at enqueue time; a mismatch with the current
// source text marks the result stale.
type TranslationResult struct {
	LineIdx     int
	SentIdx     int
	Sentence    string
	Lang        string
	Translation string
}

// BroadcastChunk is the JSON frame published to the host and clients on
// each material change.
type BroadcastChunk struct {
	LastNSents         []*Line `json:"last_n_sents"`
	IncompleteSentence string  `json:"incomplete_sentence"`
	TranscriptionDelay float64 `json:"transcription_delay"`
	TranslationDelay   float64 `json:"translation_delay"`
}
