package db

import (
	"testing"
)

// setupTestDB creates an in-memory SQLite database with the full schema.
// NewDatabase caps SQLite at one pooled connection, so ":memory:" is safe
// here even under concurrent access.
func setupTestDB(t *testing.T) *Database {
	t.Helper()

	database, err := NewDatabase(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Logf("failed to close test database: %v", err)
		}
	})
	return database
}
