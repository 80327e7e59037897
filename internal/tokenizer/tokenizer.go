// Package tokenizer turns text into the normalized terms stored in the
// lexical index and used to build lexical queries.
package tokenizer

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

// Runs of ASCII letters and digits, or runs of Han characters.
var termPattern = regexp.MustCompile(`[0-9a-z]+|\p{Han}+`)

type Tokenizer struct{}

func New() *Tokenizer {
	return &Tokenizer{}
}

// Tokenize returns lowercased alphanumeric terms and Han bigrams in input
// order. Punctuation and whitespace are dropped. Output depends only on text.
func (t *Tokenizer) Tokenize(text string) []string {
	text = strings.ReplaceAll(text, "\x00", "")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var terms []string
	for _, piece := range split(text) {
		for _, run := range termPattern.FindAllString(strings.ToLower(piece), -1) {
			terms = appendTerms(terms, run)
		}
	}
	return terms
}

// Join renders tokens the way the lexical column and queries expect them.
func (t *Tokenizer) Join(text string) string {
	return strings.Join(t.Tokenize(text), " ")
}

func split(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return strings.Fields(text)
	}

	tokens := doc.Tokens()
	pieces := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		pieces = append(pieces, tok.Text)
	}
	return pieces
}

// appendTerms emits Han runs as overlapping bigrams so multi-character
// words match without a dictionary segmenter.
func appendTerms(terms []string, run string) []string {
	runes := []rune(run)
	if !unicode.Is(unicode.Han, runes[0]) || len(runes) == 1 {
		return append(terms, run)
	}
	for i := 0; i+1 < len(runes); i++ {
		terms = append(terms, string(runes[i:i+2]))
	}
	return terms
}
