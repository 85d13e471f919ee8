package profile

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/apply-agent/internal/types"
)

func sampleBundle() *types.ContextBundle {
	return &types.ContextBundle{
		Name:  "Jordan Lee",
		Email: "jordan@example.com",
		Education: []types.EducationFact{
			{Institution: "State University", Degree: "BS", Field: "Computer Science", GraduationYear: "2024", GPA: "3.8"},
		},
		Experience: []types.ExperienceFact{
			{Company: "Acme Corp", Title: "Intern", Duration: "Summer 2023", Responsibilities: []string{"Built dashboards", "Wrote tests", "Reviewed PRs", "On-call"}},
		},
		Skills:         []string{"Go", "SQL"},
		Certifications: []string{"AWS CCP"},
	}
}

func TestDigestStable(t *testing.T) {
	a := sampleBundle()
	b := sampleBundle()
	assert.Equal(t, Digest(a), Digest(b))
	assert.Len(t, Digest(a), 64)
}

func TestDigestChangesWithContent(t *testing.T) {
	a := sampleBundle()
	b := sampleBundle()
	b.Skills = append(b.Skills, "Kubernetes")
	assert.NotEqual(t, Digest(a), Digest(b))
}

func TestDigestNilAndEmptyAgree(t *testing.T) {
	assert.Equal(t, Digest(nil), Digest(&types.ContextBundle{}))
}

func TestFormatEmpty(t *testing.T) {
	assert.Equal(t, "No user information available.", Format(&types.ContextBundle{}))
}

func TestFormatSections(t *testing.T) {
	out := Format(sampleBundle())

	assert.Contains(t, out, "Name: Jordan Lee")
	assert.Contains(t, out, "Email: jordan@example.com")
	assert.Contains(t, out, "BS in Computer Science from State University (2024), GPA: 3.8")
	assert.Contains(t, out, "Intern at Acme Corp")
	assert.Contains(t, out, "Duration: Summer 2023")
	// Only the first three responsibilities make it into the prompt.
	assert.Contains(t, out, "Built dashboards, Wrote tests, Reviewed PRs")
	assert.NotContains(t, out, "On-call")
	assert.Contains(t, out, "Skills: Go, SQL")
	assert.Contains(t, out, "Certifications: AWS CCP")
}

func TestStaticProvider(t *testing.T) {
	s := &Static{Bundle: sampleBundle()}
	got, err := s.ContextBundle(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "Jordan Lee", got.Name)

	empty := &Static{}
	got, err = empty.ContextBundle(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestPostgresProviderAssemblesBundle(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	userID := uuid.New()
	rows := pgxmock.NewRows([]string{"category", "payload"}).
		AddRow("profile", []byte(`{"name":"Jordan Lee","email":"jordan@example.com"}`)).
		AddRow("skills", []byte(`["Go","SQL"]`)).
		AddRow("telemetry", []byte(`{"ignored":true}`))
	mock.ExpectQuery(`SELECT category, payload FROM extracted_facts`).
		WithArgs(userID).
		WillReturnRows(rows)

	p := NewPostgresProvider(mock)
	bundle, err := p.ContextBundle(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "Jordan Lee", bundle.Name)
	assert.Equal(t, []string{"Go", "SQL"}, bundle.Skills)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresProviderNoRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	userID := uuid.New()
	mock.ExpectQuery(`SELECT category, payload FROM extracted_facts`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"category", "payload"}))

	p := NewPostgresProvider(mock)
	bundle, err := p.ContextBundle(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, bundle.Empty())
}
