package transcript

import (
	"fmt"
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// Tokenizer splits raw ASR text into sentences for one language.
type Tokenizer interface {
	Tokenize(text string) []string
}

// ruleSupported are the languages with sentence-boundary conventions close
// enough to the terminator rule below.
var ruleSupported = map[string]bool{
	"cs": true, "da": true, "nl": true, "et": true, "fi": true,
	"fr": true, "de": true, "el": true, "it": true, "no": true,
	"pl": true, "pt": true, "ru": true, "sl": true, "es": true,
	"sv": true, "tr": true,
}

// NewTokenizer returns the tokenizer for lang. English gets the trained
// punkt model; the other supported languages a terminator-rule splitter.
func NewTokenizer(lang string) (Tokenizer, error) {
	if lang == "en" {
		tok, err := english.NewSentenceTokenizer(nil)
		if err != nil {
			return nil, fmt.Errorf("building english tokenizer: %w", err)
		}
		return punktTokenizer{tok: tok}, nil
	}
	if ruleSupported[lang] {
		return ruleTokenizer{}, nil
	}
	return nil, fmt.Errorf("no sentence tokenizer for language %q", lang)
}

type punktTokenizer struct {
	tok *sentences.DefaultSentenceTokenizer
}

func (p punktTokenizer) Tokenize(text string) []string {
	var out []string
	for _, s := range p.tok.Tokenize(text) {
		t := strings.TrimSpace(s.Text)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

type ruleTokenizer struct{}

// Tokenize splits after runs of sentence terminators, keeping the
// terminators attached and trimming surrounding whitespace.
func (ruleTokenizer) Tokenize(text string) []string {
	var out []string
	var sb strings.Builder
	flush := func() {
		s := strings.TrimSpace(sb.String())
		if s != "" {
			out = append(out, s)
		}
		sb.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		sb.WriteRune(r)
		if isTerminator(r) {
			// swallow a run of terminators ("?!", "...")
			if i+1 < len(runes) && isTerminator(runes[i+1]) {
				continue
			}
			flush()
		}
	}
	flush()
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
