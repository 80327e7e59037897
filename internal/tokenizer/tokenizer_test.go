package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeLowercasesAndDropsPunctuation(t *testing.T) {
	tok := New()
	assert.Equal(t, []string{"hello", "world"}, tok.Tokenize("Hello, World!"))
}

func TestTokenizeHanBigrams(t *testing.T) {
	tok := New()
	assert.Equal(t, []string{"你好", "好世", "世界"}, tok.Tokenize("你好世界"))
	assert.Equal(t, []string{"中"}, tok.Tokenize("中"))
}

func TestTokenizeMixedScript(t *testing.T) {
	tok := New()
	terms := tok.Tokenize("Report 2024 年度报告")
	assert.Equal(t, []string{"report", "2024", "年度", "度报", "报告"}, terms)
}

func TestTokenizeEmpty(t *testing.T) {
	tok := New()
	assert.Empty(t, tok.Tokenize(""))
	assert.Empty(t, tok.Tokenize("  \n\t"))
	assert.Empty(t, tok.Tokenize("?!,。"))
}

func TestTokenizeDeterministic(t *testing.T) {
	tok := New()
	text := "Q: How do I reset my password?\nA: 点击设置 then Reset."
	assert.Equal(t, tok.Tokenize(text), tok.Tokenize(text))
	assert.Equal(t, "hello world", tok.Join("Hello  WORLD"))
}
