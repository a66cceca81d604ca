package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestPgErrorClassification(t *testing.T) {
	serial := fmt.Errorf("approve: %w", &pgconn.PgError{Code: "40001"})
	require.True(t, IsSerializationFailure(serial))
	require.False(t, IsUniqueViolation(serial))

	unique := &pgconn.PgError{Code: "23505"}
	require.True(t, IsUniqueViolation(unique))
	require.False(t, IsSerializationFailure(errors.New("other")))
	require.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40P01"}), "deadlock victims retry like serialization failures")
}
