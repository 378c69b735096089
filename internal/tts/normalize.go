package tts

import (
	"regexp"
	"strings"
)

// SentenceSeparator is the mark the engine splits synthesis work on.
const SentenceSeparator = "،"

var (
	newlines      = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")
	sentenceMarks = regexp.MustCompile(`\.{3,}|…+|[?.:;!！،؟]`)
)

// NormalizeText flattens newlines and maps sentence-terminal punctuation to
// SentenceSeparator. Applying it twice is a no-op.
func NormalizeText(text string) string {
	return sentenceMarks.ReplaceAllLiteralString(newlines.Replace(text), SentenceSeparator)
}
