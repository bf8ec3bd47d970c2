package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if errWrite := os.WriteFile(path, []byte(body), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	for _, name := range []string{"ENV", "DATABASE_URL", "SECRET_KEY", "REDIS_HOST", "REDIS_PORT", "REDIS_DB", "LLM_TOKEN_LIMIT"} {
		t.Setenv(name, "")
	}
	path := writeConfig(t, `
env: staging
database:
  dsn: "file:test.db"
jwt:
  secret: "s3cret"
redis:
  host: cache.internal
  port: 6380
  timeout: 1s
queue:
  workers: 4
llm:
  token-limit: 2500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != EnvStaging {
		t.Fatalf("env = %q, want staging", cfg.Env)
	}
	if cfg.Redis.Host != "cache.internal" || cfg.Redis.Port != 6380 {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if cfg.Redis.Timeout != time.Second {
		t.Fatalf("redis timeout = %s, want 1s", cfg.Redis.Timeout)
	}
	if cfg.Redis.KeyPrefix != "hragent:usage:" {
		t.Fatalf("key prefix default lost: %q", cfg.Redis.KeyPrefix)
	}
	if cfg.Queue.Workers != 4 {
		t.Fatalf("workers = %d, want 4", cfg.Queue.Workers)
	}
	if cfg.LLM.TokenLimit != 2500 {
		t.Fatalf("token limit = %d, want 2500", cfg.LLM.TokenLimit)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"REDIS_HOST":      "redis.prod",
		"REDIS_PORT":      "6390",
		"REDIS_DB":        "3",
		"REDIS_PASSWORD":  "pw",
		"LLM_TOKEN_LIMIT": "4000",
		"SECRET_KEY":      "from-env",
		"DATABASE_URL":    "postgres://u:p@db/hr",
	}
	cfg := Default()
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	if err := applyEnvOverrides(&cfg, lookup); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Redis.Host != "redis.prod" || cfg.Redis.Port != 6390 || cfg.Redis.DB != 3 {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if cfg.Redis.Password != "pw" {
		t.Fatalf("password not applied")
	}
	if cfg.LLM.TokenLimit != 4000 {
		t.Fatalf("token limit = %d", cfg.LLM.TokenLimit)
	}
	if cfg.JWT.Secret != "from-env" || cfg.Database.DSN != "postgres://u:p@db/hr" {
		t.Fatalf("secret/dsn not applied: %+v %+v", cfg.JWT, cfg.Database)
	}
}

func TestApplyEnvOverridesRejectsBadPort(t *testing.T) {
	cfg := Default()
	lookup := func(name string) (string, bool) {
		if name == "REDIS_PORT" {
			return "not-a-port", true
		}
		return "", false
	}
	if err := applyEnvOverrides(&cfg, lookup); err == nil {
		t.Fatal("expected error for non-numeric REDIS_PORT")
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Database.DSN = "file:x.db"
	valid.JWT.Secret = "k"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown env", mutate: func(c *Config) { c.Env = "qa" }, wantErr: true},
		{name: "missing dsn", mutate: func(c *Config) { c.Database.DSN = " " }, wantErr: true},
		{name: "missing secret", mutate: func(c *Config) { c.JWT.Secret = "" }, wantErr: true},
		{name: "zero limit", mutate: func(c *Config) { c.LLM.TokenLimit = 0 }, wantErr: true},
		{name: "bad port", mutate: func(c *Config) { c.Redis.Port = 70000 }, wantErr: true},
		{name: "negative workers", mutate: func(c *Config) { c.Queue.Workers = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configPathEnv, "")
	if got := ResolveConfigPath(""); got != defaultConfigPath {
		t.Fatalf("default path = %q", got)
	}
	t.Setenv(configPathEnv, "/etc/hragent.yaml")
	if got := ResolveConfigPath(""); got != "/etc/hragent.yaml" {
		t.Fatalf("env path = %q", got)
	}
	if got := ResolveConfigPath(" ./local.yaml "); got != "./local.yaml" {
		t.Fatalf("flag path = %q", got)
	}
}
