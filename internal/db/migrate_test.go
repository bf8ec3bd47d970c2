package db

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/hragent/usageguard/internal/models"
	"gorm.io/gorm"
)

func TestMigrateSQLiteCreatesServiceTables(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for table, columns := range map[string][]string{
		"token_usages": {"day", "usage_key", "tokens", "updated_at"},
		"settings":     {"key", "value", "updated_at"},
		"job_failures": {"job_id", "kind", "usage_key", "day", "payload", "error", "requeued", "failed_at"},
	} {
		for _, column := range columns {
			if !conn.Migrator().HasColumn(table, column) {
				t.Fatalf("%s missing column %s", table, column)
			}
		}
	}
	if !conn.Migrator().HasIndex(&models.TokenUsage{}, "idx_token_usages_day_key") {
		t.Fatalf("token_usages missing unique (day, usage_key) index")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	for i := 0; i < 2; i++ {
		if errMigrate := Migrate(conn); errMigrate != nil {
			t.Fatalf("migrate pass %d: %v", i+1, errMigrate)
		}
	}
}

func TestMigrateRejectsNilConnection(t *testing.T) {
	if errMigrate := Migrate(nil); errMigrate == nil {
		t.Fatalf("expected error for nil connection")
	}
}
