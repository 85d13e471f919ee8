package extraction

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/jonathan/apply-agent/internal/llm"
	"github.com/jonathan/apply-agent/internal/types"
)

// rawQuestion mirrors the JSON shape the extraction contract requests.
type rawQuestion struct {
	QuestionText string `json:"question_text"`
	QuestionType string `json:"question_type"`
	IsRequired   bool   `json:"is_required"`
}

var (
	smartQuotes    = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
	trailingCommas = regexp.MustCompile(`,\s*([\]}])`)
)

// ParseQuestions applies the tolerant-parse step to the capability's raw
// output: strip code fences and prose, locate the outermost array
// delimiters, validate the shape, and on failure apply at most one repair
// attempt (quote and trailing-comma normalization) before giving up.
func ParseQuestions(raw string) ([]types.ExtractedQuestion, error) {
	body, ok := extractArray(raw)
	if !ok {
		return nil, &Error{Message: "no JSON array found in output", RawOutput: raw}
	}

	if err := validateShape(body); err != nil {
		repaired := trailingCommas.ReplaceAllString(smartQuotes.Replace(body), "$1")
		if repairErr := validateShape(repaired); repairErr != nil {
			return nil, &Error{Message: "question array failed validation after repair", RawOutput: raw, Cause: err}
		}
		body = repaired
	}

	var items []rawQuestion
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, &Error{Message: "failed to parse question array", RawOutput: raw, Cause: err}
	}

	return normalizeQuestions(items), nil
}

// extractArray strips non-JSON preamble and epilogue and returns the
// content between the outermost array delimiters.
func extractArray(raw string) (string, bool) {
	cleaned := llm.CleanJSONBlock(raw)
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start < 0 || end < start {
		return "", false
	}
	return cleaned[start : end+1], true
}

// normalizeQuestions enforces the output invariants: non-empty text, known
// kind (unknown kinds are coerced to custom, never dropped), sequential
// order by array position.
func normalizeQuestions(items []rawQuestion) []types.ExtractedQuestion {
	questions := make([]types.ExtractedQuestion, 0, len(items))
	for _, item := range items {
		text := strings.TrimSpace(item.QuestionText)
		if text == "" {
			continue
		}
		questions = append(questions, types.ExtractedQuestion{
			Text:     text,
			Kind:     types.CoerceQuestionKind(strings.TrimSpace(item.QuestionType)),
			Required: item.IsRequired,
			Order:    len(questions) + 1,
		})
	}
	return questions
}
