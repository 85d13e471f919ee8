package types

// ContextBundle aggregates the facts previously extracted from a user's
// documents (resume, transcripts, certificates). It is assembled once per
// run and fed, together with each question, to answer generation.
type ContextBundle struct {
	Name           string           `json:"name,omitempty"`
	Email          string           `json:"email,omitempty"`
	Education      []EducationFact  `json:"education,omitempty"`
	Experience     []ExperienceFact `json:"experience,omitempty"`
	Skills         []string         `json:"skills,omitempty"`
	Certifications []string         `json:"certifications,omitempty"`
}

// Empty reports whether the bundle carries no usable facts.
func (b *ContextBundle) Empty() bool {
	return b == nil || (b.Name == "" && b.Email == "" &&
		len(b.Education) == 0 && len(b.Experience) == 0 &&
		len(b.Skills) == 0 && len(b.Certifications) == 0)
}

// EducationFact is one education entry extracted from a document.
type EducationFact struct {
	Institution    string `json:"institution"`
	Degree         string `json:"degree,omitempty"`
	Field          string `json:"field,omitempty"`
	GraduationYear string `json:"graduation_year,omitempty"`
	GPA            string `json:"gpa,omitempty"`
}

// ExperienceFact is one work-experience entry extracted from a document.
type ExperienceFact struct {
	Company          string   `json:"company"`
	Title            string   `json:"title,omitempty"`
	Duration         string   `json:"duration,omitempty"`
	Responsibilities []string `json:"responsibilities,omitempty"`
}
