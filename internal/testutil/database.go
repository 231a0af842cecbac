package testutil

import (
	"testing"

	"chunkfs/internal/database"
)

// NewTestStore creates a migrated in-memory SQLite store.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.Store {
	t.Helper()

	s, err := database.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return s
}
