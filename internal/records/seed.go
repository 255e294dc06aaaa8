// Generates sample records for an empty table.

package records

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
)

var (
	firstNames = []string{"John", "Jane", "Michael", "Sarah", "David", "Emma", "Chris", "Lisa", "Mark", "Anna"}
	lastNames  = []string{"Smith", "Johnson", "Brown", "Davis", "Wilson", "Moore", "Taylor", "Anderson", "Thomas", "Jackson"}
)

// SampleFields returns plausible editable fields for the i-th sample record.
func SampleFields(r *rand.Rand, i int) map[string]any {
	pick := func(s []string) string { return s[r.IntN(len(s))] }
	return map[string]any{
		"title":       pick(firstNames) + " " + pick(lastNames),
		"description": fmt.Sprintf("Project %d", i+1),
		"category":    pick(categories),
		"status":      pick(statuses),
		"amount":      float64(1000 + r.IntN(99001)),
		"quantity":    int64(1 + r.IntN(500)),
		"price":       math.Round(r.Float64()*500*100) / 100,
		"rate":        math.Round(r.Float64()*100*100) / 100,
		"is_active":   r.IntN(2) == 0,
		"level":       int64(1 + r.IntN(8)),
		"priority":    int64(1 + r.IntN(4)),
		"group_id":    int64(r.IntN(50)),
	}
}

// Count returns the number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Seed inserts n sample records if the table is empty. It returns how many
// records were inserted.
func (s *Store) Seed(ctx context.Context, n int, r *rand.Rand) (int, error) {
	existing, err := s.Count(ctx)
	if err != nil || existing > 0 {
		return 0, err
	}
	for i := range n {
		if _, err := s.Create(ctx, SampleFields(r, i)); err != nil {
			return i, fmt.Errorf("seed record %d: %w", i+1, err)
		}
	}
	return n, nil
}
