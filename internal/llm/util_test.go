package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSONBlock_JSONFence(t *testing.T) {
	input := "```json\n[{\"question_text\": \"Why us?\"}]\n```"
	assert.Equal(t, `[{"question_text": "Why us?"}]`, CleanJSONBlock(input))
}

func TestCleanJSONBlock_GenericFence(t *testing.T) {
	input := "```\n{\"a\": 1}\n```"
	assert.Equal(t, `{"a": 1}`, CleanJSONBlock(input))
}

func TestCleanJSONBlock_FenceWithLanguage(t *testing.T) {
	input := "```javascript\n{\"a\": 1}\n```"
	assert.Equal(t, `{"a": 1}`, CleanJSONBlock(input))
}

func TestCleanJSONBlock_ArrayOnFirstLine(t *testing.T) {
	input := "```\n[1, 2]\n```"
	assert.Equal(t, "[1, 2]", CleanJSONBlock(input))
}

func TestCleanJSONBlock_NoFence(t *testing.T) {
	input := `  {"a": 1}  `
	assert.Equal(t, `{"a": 1}`, CleanJSONBlock(input))
}
