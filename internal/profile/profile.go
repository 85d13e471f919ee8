// Package profile supplies the user's document-derived context bundle:
// the aggregated facts (education, experience, skills, certifications)
// previously extracted from uploaded documents by the document-processing
// subsystem, consumed here as a read-only fact source.
package profile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/apply-agent/internal/types"
)

// Provider returns the context bundle for a user.
type Provider interface {
	ContextBundle(ctx context.Context, userID uuid.UUID) (*types.ContextBundle, error)
}

// Digest computes a stable hash of a bundle. Two runs over the same facts
// produce the same digest, which is what lets identical (question, context)
// pairs be recognized as duplicates across retried runs.
func Digest(b *types.ContextBundle) string {
	if b == nil {
		b = &types.ContextBundle{}
	}
	// Struct field order is fixed, so encoding/json output is stable.
	data, err := json.Marshal(b)
	if err != nil {
		data = []byte{}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Format renders the bundle as prompt context text.
func Format(b *types.ContextBundle) string {
	if b.Empty() {
		return "No user information available."
	}

	var parts []string

	if b.Name != "" {
		parts = append(parts, fmt.Sprintf("Name: %s", b.Name))
	}
	if b.Email != "" {
		parts = append(parts, fmt.Sprintf("Email: %s", b.Email))
	}

	if len(b.Education) > 0 {
		parts = append(parts, "\nEducation:")
		for _, edu := range b.Education {
			line := fmt.Sprintf("  - %s in %s from %s", edu.Degree, edu.Field, edu.Institution)
			if edu.GraduationYear != "" {
				line += fmt.Sprintf(" (%s)", edu.GraduationYear)
			}
			if edu.GPA != "" {
				line += fmt.Sprintf(", GPA: %s", edu.GPA)
			}
			parts = append(parts, line)
		}
	}

	if len(b.Experience) > 0 {
		parts = append(parts, "\nWork Experience:")
		for _, exp := range b.Experience {
			parts = append(parts, fmt.Sprintf("  - %s at %s", exp.Title, exp.Company))
			if exp.Duration != "" {
				parts = append(parts, fmt.Sprintf("    Duration: %s", exp.Duration))
			}
			if len(exp.Responsibilities) > 0 {
				limit := len(exp.Responsibilities)
				if limit > 3 {
					limit = 3
				}
				parts = append(parts, fmt.Sprintf("    Responsibilities: %s", strings.Join(exp.Responsibilities[:limit], ", ")))
			}
		}
	}

	if len(b.Skills) > 0 {
		parts = append(parts, fmt.Sprintf("\nSkills: %s", strings.Join(b.Skills, ", ")))
	}

	if len(b.Certifications) > 0 {
		parts = append(parts, fmt.Sprintf("\nCertifications: %s", strings.Join(b.Certifications, ", ")))
	}

	return strings.Join(parts, "\n")
}

// Static is a Provider that always returns a fixed bundle. Used by the
// one-shot CLI path and tests.
type Static struct {
	Bundle *types.ContextBundle
}

// ContextBundle returns the fixed bundle.
func (s *Static) ContextBundle(_ context.Context, _ uuid.UUID) (*types.ContextBundle, error) {
	if s.Bundle == nil {
		return &types.ContextBundle{}, nil
	}
	return s.Bundle, nil
}
