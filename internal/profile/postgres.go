package profile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/apply-agent/internal/types"
)

// factQuerier is the slice of a pgx pool this provider needs. Narrow on
// purpose so tests can substitute pgxmock.
type factQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresProvider reads extracted facts from the extracted_facts table,
// one row per category, with the payload stored as JSON.
type PostgresProvider struct {
	pool factQuerier
}

// NewPostgresProvider wraps a pgx pool (or pgxmock) as a Provider.
func NewPostgresProvider(pool factQuerier) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

type profileFact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ContextBundle assembles the user's bundle from stored fact rows. A user
// with no rows gets an empty bundle, not an error.
func (p *PostgresProvider) ContextBundle(ctx context.Context, userID uuid.UUID) (*types.ContextBundle, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT category, payload FROM extracted_facts WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying extracted facts: %w", err)
	}
	defer rows.Close()

	bundle := &types.ContextBundle{}
	for rows.Next() {
		var category string
		var payload []byte
		if err := rows.Scan(&category, &payload); err != nil {
			return nil, fmt.Errorf("scanning fact row: %w", err)
		}
		if err := applyFact(bundle, category, payload); err != nil {
			return nil, fmt.Errorf("decoding %s facts: %w", category, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading fact rows: %w", err)
	}
	return bundle, nil
}

func applyFact(bundle *types.ContextBundle, category string, payload []byte) error {
	switch category {
	case "profile":
		var pf profileFact
		if err := json.Unmarshal(payload, &pf); err != nil {
			return err
		}
		bundle.Name = pf.Name
		bundle.Email = pf.Email
	case "education":
		return json.Unmarshal(payload, &bundle.Education)
	case "experience":
		return json.Unmarshal(payload, &bundle.Experience)
	case "skills":
		return json.Unmarshal(payload, &bundle.Skills)
	case "certifications":
		return json.Unmarshal(payload, &bundle.Certifications)
	default:
		// Unknown categories are ignored so schema additions don't break
		// older readers.
	}
	return nil
}
