// Package generation produces answers to extracted application questions
// using the user's context bundle.
package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonathan/apply-agent/internal/llm"
	"github.com/jonathan/apply-agent/internal/profile"
	"github.com/jonathan/apply-agent/internal/types"
)

// Error describes an answer generation failure for one question.
type Error struct {
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("generation: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("generation: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient reports whether retrying could help.
func (e *Error) Transient() bool { return e.Retryable }

// Generator answers questions with the configured model.
type Generator struct {
	client llm.Client
}

// NewGenerator creates a Generator backed by the given client.
func NewGenerator(client llm.Client) *Generator {
	return &Generator{client: client}
}

// Answer generates an answer for one question given the user's bundle.
func (g *Generator) Answer(ctx context.Context, q *types.ExtractedQuestion, bundle *types.ContextBundle) (string, error) {
	if strings.TrimSpace(q.Text) == "" {
		return "", &Error{Message: "question text is empty", Retryable: false}
	}

	prompt := buildAnswerPrompt(q, bundle)
	raw, err := g.client.GenerateContent(ctx, prompt, llm.TierStandard)
	if err != nil {
		return "", &Error{Message: "model call failed", Retryable: llm.IsTransient(err), Cause: err}
	}

	answer := strings.TrimSpace(raw)
	if answer == "" {
		return "", &Error{Message: "model returned an empty answer", Retryable: true}
	}
	return answer, nil
}

// lengthGuidance returns the per-kind answer length instruction.
func lengthGuidance(kind types.QuestionKind) string {
	switch kind {
	case types.KindShortAnswer:
		return "Keep the answer concise: 1-3 sentences."
	case types.KindEssay:
		return "Write a well-structured response of 2-4 paragraphs."
	case types.KindExperience:
		return "Describe relevant experience in 1-2 paragraphs, grounded in the work history provided."
	case types.KindEducation:
		return "Summarize the relevant educational background in 1-2 paragraphs."
	case types.KindSkills:
		return "Highlight the most relevant skills in a short paragraph or brief list."
	default:
		return "Use an appropriate length for the question, typically 1-2 paragraphs."
	}
}

func buildAnswerPrompt(q *types.ExtractedQuestion, bundle *types.ContextBundle) string {
	var b strings.Builder

	b.WriteString("You are helping a scholarship applicant answer an application question.\n\n")
	b.WriteString("Applicant information:\n")
	b.WriteString(profile.Format(bundle))
	b.WriteString("\n\nQuestion")
	if q.Required {
		b.WriteString(" (required)")
	}
	fmt.Fprintf(&b, ": %s\n\n", q.Text)

	b.WriteString("Write an answer that:\n")
	b.WriteString("1. Directly addresses the question\n")
	b.WriteString("2. Uses only the applicant information provided above, without inventing facts\n")
	b.WriteString("3. Is written in the first person, in a genuine and professional tone\n")
	b.WriteString("4. Does NOT mention that this is AI-generated\n")
	fmt.Fprintf(&b, "5. %s\n\n", lengthGuidance(q.Kind))
	b.WriteString("Return ONLY the answer text, with no preamble or commentary.")

	return b.String()
}
