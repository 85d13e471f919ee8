package types

import "github.com/google/uuid"

// QuestionKind classifies an application question so answer length and
// framing can be tailored to it.
type QuestionKind string

// Known question kinds. Anything else is coerced to KindCustom rather than
// dropped, so a misclassified question is never silently lost.
const (
	KindShortAnswer QuestionKind = "short_answer"
	KindEssay       QuestionKind = "essay"
	KindExperience  QuestionKind = "experience"
	KindEducation   QuestionKind = "education"
	KindSkills      QuestionKind = "skills"
	KindCustom      QuestionKind = "custom"
)

// Valid reports whether k is one of the known kinds.
func (k QuestionKind) Valid() bool {
	switch k {
	case KindShortAnswer, KindEssay, KindExperience, KindEducation, KindSkills, KindCustom:
		return true
	}
	return false
}

// CoerceQuestionKind maps an arbitrary kind string onto the known enum,
// falling back to KindCustom for anything unrecognized.
func CoerceQuestionKind(s string) QuestionKind {
	k := QuestionKind(s)
	if k.Valid() {
		return k
	}
	return KindCustom
}

// ExtractedQuestion is one application question derived from a posting's
// content. Field names mirror the extraction contract.
type ExtractedQuestion struct {
	ID       uuid.UUID    `json:"id"`
	RunID    uuid.UUID    `json:"run_id"`
	Text     string       `json:"question_text"`
	Kind     QuestionKind `json:"question_type"`
	Required bool         `json:"is_required"`
	Order    int          `json:"order"`
}
