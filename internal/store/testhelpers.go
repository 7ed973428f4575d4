package store

import (
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewTestStore creates an isolated in-memory SQLite-backed GormStore.
func NewTestStore(t *testing.T) *GormStore {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	s, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return s
}
