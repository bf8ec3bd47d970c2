package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hragent/usageguard/internal/config"
	"github.com/hragent/usageguard/internal/db"
	"github.com/hragent/usageguard/internal/models"
	"github.com/hragent/usageguard/internal/usage"
	goredis "github.com/redis/go-redis/v9"
)

func writeTestConfig(t *testing.T, dsn, redisAddr string) string {
	t.Helper()

	for _, name := range []string{"ENV", "DATABASE_URL", "SECRET_KEY", "REDIS_HOST", "REDIS_PORT", "REDIS_DB", "LLM_TOKEN_LIMIT"} {
		t.Setenv(name, "")
	}
	host, port, err := net.SplitHostPort(redisAddr)
	if err != nil {
		t.Fatalf("split redis addr: %v", err)
	}
	body := fmt.Sprintf(`env: dev
database:
  dsn: %q
jwt:
  secret: app-test-secret
redis:
  host: %s
  port: %s
  key-prefix: "apptest:usage:"
queue:
  stream: "apptest:jobs"
  group: "apptest-workers"
  workers: 2
  block: 50ms
logging:
  level: error
`, dsn, host, port)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if errWrite := os.WriteFile(path, []byte(body), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func TestMigrateCreatesTables(t *testing.T) {
	mr := miniredis.RunT(t)
	dsn := filepath.Join(t.TempDir(), "hragent.db")
	path := writeTestConfig(t, dsn, mr.Addr())

	if err := Migrate(context.Background(), config.AppConfig{ConfigPath: path}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db.Close(conn) }()
	for _, model := range []any{&models.TokenUsage{}, &models.Setting{}, &models.JobFailure{}} {
		if !conn.Migrator().HasTable(model) {
			t.Fatalf("expected table for %T", model)
		}
	}
}

func TestBootstrapCreatesConsumerGroup(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeTestConfig(t, ":memory:", mr.Addr())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap(ctx, config.AppConfig{ConfigPath: path})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.close()

	if rt.jobs == nil || rt.client == nil {
		t.Fatalf("expected queue and cache to be built")
	}
	if !mr.Exists("apptest:jobs") {
		t.Fatalf("expected the job stream to exist")
	}
	if !rt.client.TestConnection(ctx) {
		t.Fatalf("expected cache to reach redis")
	}
}

func TestBootstrapFailsOnMissingSecret(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeTestConfig(t, ":memory:", mr.Addr())
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	withoutSecret := strings.Replace(string(raw), "  secret: app-test-secret\n", "", 1)
	if errWrite := os.WriteFile(path, []byte(withoutSecret), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}

	if _, errBoot := bootstrap(context.Background(), config.AppConfig{ConfigPath: path}); errBoot == nil {
		t.Fatalf("expected bootstrap to fail without a jwt secret")
	}
}

func TestWorkersReconcileIntoDurableStore(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeTestConfig(t, ":memory:", mr.Addr())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap(ctx, config.AppConfig{ConfigPath: path})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.close()
	pool := rt.startWorkers(ctx, 2)

	if errSet := rt.client.Set(ctx, "user:1", "50", 50); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}
	if errSet := rt.client.Set(ctx, "user:1", "80", 30); errSet != nil {
		t.Fatalf("set: %v", errSet)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		value, ok, errRead := rt.store.Read(ctx, "user:1")
		if errRead != nil {
			t.Fatalf("read durable: %v", errRead)
		}
		if ok && value == 80 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("durable value = %d (found=%v), want 80", value, ok)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	pool.Wait()
	if stats := pool.Stats(); stats.Processed != 2 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRequeueFailuresEnqueuesRecordedJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	dsn := filepath.Join(t.TempDir(), "hragent.db")
	path := writeTestConfig(t, dsn, mr.Addr())
	ctx := context.Background()

	rt, err := bootstrap(ctx, config.AppConfig{ConfigPath: path})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	errRecord := rt.store.RecordFailure(ctx, usage.Failure{
		JobID:   "job-1",
		Kind:    "usage.increment",
		Payload: []byte(`{"kind":"usage.increment","usage_increment":{"key":"user:1","day":"2026-10-16","delta":5}}`),
		Err:     errors.New("db down"),
	})
	rt.close()
	if errRecord != nil {
		t.Fatalf("record failure: %v", errRecord)
	}

	n, err := RequeueFailures(ctx, config.AppConfig{ConfigPath: path}, 10)
	if err != nil || n != 1 {
		t.Fatalf("requeue = %d, %v", n, err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	entries, errRange := rdb.XRange(ctx, "apptest:jobs", "-", "+").Result()
	if errRange != nil || len(entries) != 1 {
		t.Fatalf("stream entries = %d, %v", len(entries), errRange)
	}
}
