package ingestion

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLExtractor(t *testing.T) {
	input := `{"text": "first"}

{"question": "Why?", "answer": "Because."}
{"text": "third"}
`
	ext, err := ExtractorFor(".JSONL")
	require.NoError(t, err)

	segments, err := ext.Extract(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.Equal(t, "first", segments[0].Text)
	require.NotNil(t, segments[1].Question)
	assert.Equal(t, "Why?", *segments[1].Question)

	text, _, _ := segments[1].originText()
	assert.Equal(t, "Why?\nBecause.", text)
}

func TestJSONLExtractorReportsLine(t *testing.T) {
	_, err := JSONLExtractor{}.Extract(strings.NewReader("{\"text\":\"ok\"}\n{broken\n"))
	assert.ErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "line 2")
}

func TestExtractorForUnknownFormat(t *testing.T) {
	_, err := ExtractorFor("pdf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
