package credit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapPgError(t *testing.T) {
	assert.NoError(t, mapPgError("op", nil))
	assert.ErrorIs(t, mapPgError("op", pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, mapPgError("op", fmt.Errorf("update: %w", &pgconn.PgError{Code: "40001"})), ErrConcurrentModification)
	assert.ErrorIs(t, mapPgError("op", &pgconn.PgError{Code: "40P01"}), ErrConcurrentModification)

	err := mapPgError("get credit limit", errors.New("connection reset"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "get credit limit")

	assert.ErrorIs(t, mapPgError("op", context.Canceled), context.Canceled)
	assert.NotErrorIs(t, mapPgError("op", context.Canceled), ErrStoreUnavailable)
	assert.Equal(t, ErrDuplicateRequest, mapPgError("op", ErrDuplicateRequest))
}

func TestMigrationsAreOrdered(t *testing.T) {
	migrations := Migrations()
	seen := map[int]bool{}
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.Name)
		assert.NotEmpty(t, m.Statements)
		assert.False(t, seen[m.Version])
		seen[m.Version] = true
	}
}
