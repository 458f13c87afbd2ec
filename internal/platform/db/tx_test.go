package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestPgErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	serialization := &pgconn.PgError{Code: "40001"}
	deadlock := fmt.Errorf("update: %w", &pgconn.PgError{Code: "40P01"})
	other := &pgconn.PgError{Code: "42P01"}

	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsUniqueViolation(serialization))

	assert.True(t, IsSerializationFailure(serialization))
	assert.True(t, IsSerializationFailure(deadlock))
	assert.False(t, IsSerializationFailure(other))
	assert.False(t, IsSerializationFailure(errors.New("plain")))
	assert.False(t, IsUniqueViolation(nil))
}
