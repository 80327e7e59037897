package ingestion

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/moyitech/vdb-center/internal/domain"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported segment format")
	ErrParse             = errors.New("failed to parse segments")
)

// Segment is one pre-extracted piece of a document. QA segments carry a
// question and answer; their text defaults to the joined pair.
type Segment struct {
	Text     string  `json:"text"`
	Question *string `json:"question,omitempty"`
	Answer   *string `json:"answer,omitempty"`
}

// TextSegments wraps plain strings.
func TextSegments(texts ...string) []Segment {
	segments := make([]Segment, len(texts))
	for i, text := range texts {
		segments[i] = Segment{Text: text}
	}
	return segments
}

func QASegment(question, answer string) Segment {
	return Segment{Question: &question, Answer: &answer}
}

// originText is the normalized text to embed and index, or "" when blank.
func (s Segment) originText() (string, *string, *string) {
	question, answer := domain.OptionalText(s.Question), domain.OptionalText(s.Answer)
	text := domain.NormalizeText(s.Text)
	if text == "" && question != nil && answer != nil {
		text = domain.QAOriginText(*question, *answer)
	}
	return text, question, answer
}

type Extractor interface {
	Extract(r io.Reader) ([]Segment, error)
}

func ExtractorFor(format string) (Extractor, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "jsonl", "ndjson":
		return JSONLExtractor{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// JSONLExtractor reads one JSON segment per line. Blank lines are skipped.
type JSONLExtractor struct{}

const maxLineBytes = 16 << 20

func (JSONLExtractor) Extract(r io.Reader) ([]Segment, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var segments []Segment
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var seg Segment
		if err := json.Unmarshal([]byte(raw), &seg); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrParse, line, err)
		}
		segments = append(segments, seg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return segments, nil
}
