package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnglishTokenizer(t *testing.T) {
	tok, err := NewTokenizer("en")
	require.NoError(t, err)

	sents := tok.Tokenize("Hello world. How are you")
	require.Len(t, sents, 2)
	assert.Equal(t, "Hello world.", sents[0])
	assert.Equal(t, "How are you", sents[1])
}

func TestEnglishTokenizerAbbreviation(t *testing.T) {
	tok, err := NewTokenizer("en")
	require.NoError(t, err)

	sents := tok.Tokenize("Dr. Smith arrived. He sat down.")
	assert.Len(t, sents, 2)
}

func TestRuleTokenizer(t *testing.T) {
	tok, err := NewTokenizer("de")
	require.NoError(t, err)

	sents := tok.Tokenize("Hallo Welt! Wie geht es dir? Gut")
	require.Len(t, sents, 3)
	assert.Equal(t, "Hallo Welt!", sents[0])
	assert.Equal(t, "Wie geht es dir?", sents[1])
	assert.Equal(t, "Gut", sents[2])
}

func TestRuleTokenizerTerminatorRun(t *testing.T) {
	tok, err := NewTokenizer("fr")
	require.NoError(t, err)

	sents := tok.Tokenize("Vraiment?! Oui.")
	require.Len(t, sents, 2)
	assert.Equal(t, "Vraiment?!", sents[0])
}

func TestUnsupportedLanguage(t *testing.T) {
	_, err := NewTokenizer("xx")
	assert.Error(t, err)
}
