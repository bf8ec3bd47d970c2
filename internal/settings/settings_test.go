package settings

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/hragent/usageguard/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := conn.AutoMigrate(&models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	t.Cleanup(func() {
		StoreDBConfig(time.Time{}, nil)
		_ = sqlDB.Close()
	})
	return conn
}

func TestDBConfigInt(t *testing.T) {
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })
	StoreDBConfig(time.Now(), map[string]json.RawMessage{
		"number":  json.RawMessage(`2500`),
		"float":   json.RawMessage(`12.0`),
		"string":  json.RawMessage(`" 42 "`),
		"wrapped": json.RawMessage(`{"value": 7}`),
		"broken":  json.RawMessage(`"abc"`),
		"partial": json.RawMessage(`1.5`),
	})

	cases := map[string]int64{
		"number":  2500,
		"float":   12,
		"string":  42,
		"wrapped": 7,
		"broken":  -1,
		"partial": -1,
		"missing": -1,
	}
	for key, want := range cases {
		if got := DBConfigInt(key, -1); got != want {
			t.Fatalf("DBConfigInt(%q) = %d, want %d", key, got, want)
		}
	}
}

func TestDBConfigValueReturnsCopy(t *testing.T) {
	t.Cleanup(func() { StoreDBConfig(time.Time{}, nil) })
	StoreDBConfig(time.Now(), map[string]json.RawMessage{"k": json.RawMessage(`1`)})

	first, ok := DBConfigValue("k")
	if !ok {
		t.Fatalf("expected key to be present")
	}
	first[0] = '9'
	second, _ := DBConfigValue("k")
	if string(second) != "1" {
		t.Fatalf("snapshot mutated through returned value: %s", second)
	}
}

func TestSaveDBConfigValueRefreshesSnapshot(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	if errSave := SaveDBConfigValue(ctx, conn, LLMTokenLimitKey, 2000); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}
	if got := DBConfigInt(LLMTokenLimitKey, 1000); got != 2000 {
		t.Fatalf("limit = %d, want 2000", got)
	}
	if DBConfigUpdatedAt().IsZero() {
		t.Fatalf("expected snapshot timestamp to be set")
	}

	if errSave := SaveDBConfigValue(ctx, conn, LLMTokenLimitKey, 3000); errSave != nil {
		t.Fatalf("overwrite: %v", errSave)
	}
	if got := DBConfigInt(LLMTokenLimitKey, 1000); got != 3000 {
		t.Fatalf("limit after overwrite = %d, want 3000", got)
	}

	var count int64
	if errCount := conn.Model(&models.Setting{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("settings rows = %d, want 1", count)
	}
}

func TestRefreshDBConfigSnapshotRejectsNilDB(t *testing.T) {
	if errRefresh := RefreshDBConfigSnapshot(context.Background(), nil); errRefresh == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestSnapshotRefresherPicksUpExternalEdits(t *testing.T) {
	conn := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	NewSnapshotRefresher(conn, 10*time.Millisecond).Start(ctx)

	row := models.Setting{Key: UsageRetentionDaysKey, Value: json.RawMessage(`7`), UpdatedAt: time.Now().UTC()}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("insert setting: %v", errCreate)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if DBConfigInt(UsageRetentionDaysKey, DefaultUsageRetentionDays) == 7 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("refresher did not load the new setting")
}
