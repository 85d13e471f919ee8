package extraction

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/apply-agent/internal/llm"
	"github.com/jonathan/apply-agent/internal/types"
)

// MaxContentChars bounds how much page content is sent to the capability.
const MaxContentChars = 8000

// Adapter calls the structured-extraction capability and turns its output
// into validated ExtractedQuestion records.
type Adapter struct {
	client llm.Client
}

// NewAdapter creates an Adapter over an LLM client.
func NewAdapter(client llm.Client) *Adapter {
	return &Adapter{client: client}
}

// Extract derives the application questions present in posting content.
// Transport and availability errors from the capability propagate for the
// orchestrator's retry policy; oddly-shaped but delivered output is handled
// by the tolerant parse and is never retried.
func (a *Adapter) Extract(ctx context.Context, content string) ([]types.ExtractedQuestion, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &Error{Message: "no content available for extraction"}
	}

	if len(content) > MaxContentChars {
		// Trim back to a rune boundary so the cut never produces
		// invalid UTF-8.
		cut := MaxContentChars
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}

	raw, err := a.client.GenerateJSON(ctx, buildExtractionPrompt(content), llm.TierStandard)
	if err != nil {
		return nil, fmt.Errorf("extraction capability call failed: %w", err)
	}

	return ParseQuestions(raw)
}

// buildExtractionPrompt constructs the fixed instruction contract for
// question extraction.
func buildExtractionPrompt(content string) string {
	var sb strings.Builder

	sb.WriteString("Analyze this application page and extract all questions that applicants need to answer.\n\n")
	sb.WriteString("Page Content:\n")
	sb.WriteString(content)
	sb.WriteString("\n\n")
	sb.WriteString("Return a JSON array of questions with this exact structure:\n")
	sb.WriteString(`[
  {
    "question_text": "the full question text",
    "question_type": "short_answer|essay|experience|education|skills|custom",
    "is_required": true
  }
]
`)
	sb.WriteString(`
Guidelines:
- Only include actual questions, not general descriptions
- Classify question types accurately:
  * short_answer: Brief responses (1-2 sentences)
  * essay: Long-form responses (paragraphs)
  * experience: Work experience questions
  * education: Education background questions
  * skills: Technical or soft skills questions
  * custom: Other types of questions
- Mark questions as required if explicitly stated or if they seem mandatory
- If no questions are found, return an empty array []

Return ONLY the JSON array, no additional text.
`)

	return sb.String()
}
