package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	DB     DBConfig     `yaml:"db"`
	JWT    JWTConfig    `yaml:"jwt"`
	Server ServerConfig `yaml:"server"`
	Extra  string       `yaml:"extra"`
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  user: app
  password: ${DB_SECRET}
  name: base
  slow_query_threshold: 250ms
jwt:
  secret: ${JWT_SECRET_FROM_FILE}
  ttl: 1h
server:
  port: ":8080"
extra: ${CONFIG_TEST_FROM_SYSTEM}
`)
	writeFile(t, dir, "staging.yaml", `
db:
  name: staging
server:
  port: ":9090"
`)
	writeFile(t, dir, "secrets.env", "DB_SECRET=s3cret\nJWT_SECRET_FROM_FILE=\"quoted\"\n")
	t.Setenv("CONFIG_TEST_FROM_SYSTEM", "from-env")

	merged, err := LoadConfig("staging", dir)
	require.NoError(t, err)

	var cfg testConfig
	require.NoError(t, Decode(merged, &cfg))

	assert.Equal(t, "localhost", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "staging", cfg.DB.Name)
	assert.Equal(t, "s3cret", cfg.DB.Password)
	assert.Equal(t, 250*time.Millisecond, cfg.DB.SlowQueryThreshold)
	assert.Equal(t, "quoted", cfg.JWT.Secret)
	assert.Equal(t, time.Hour, cfg.JWT.TTL)
	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Extra)
}

func TestLoadConfigMissingEnvFileIsOptional(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "extra: ${CONFIG_TEST_UNSET_PLACEHOLDER}\n")

	merged, err := LoadConfig("production", dir)
	require.NoError(t, err)

	var cfg testConfig
	require.NoError(t, Decode(merged, &cfg))
	assert.Equal(t, "${CONFIG_TEST_UNSET_PLACEHOLDER}", cfg.Extra)
}

func TestLoadConfigRequiresBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.Error(t, err)
}

func TestMergeMaps(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 2},
		"b": "keep",
	}
	src := map[string]interface{}{
		"a": map[string]interface{}{"y": 3},
		"c": true,
	}

	got := mergeMaps(dst, src)
	assert.Equal(t, map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 3},
		"b": "keep",
		"c": true,
	}, got)
}

func TestOverrideFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("OTEL_ENABLED", "true")

	db := DBConfig{Host: "localhost", Port: 5432}
	OverrideDBFromEnv(&db)
	assert.Equal(t, "db.internal", db.Host)
	assert.Equal(t, 6543, db.Port)

	jwt := JWTConfig{Secret: "file"}
	OverrideJWTFromEnv(&jwt)
	assert.Equal(t, "env-secret", jwt.Secret)

	var redis RedisConfig
	OverrideRedisFromEnv(&redis)
	assert.Equal(t, 3, redis.DB)

	var otel OTelConfig
	OverrideOTelFromEnv(&otel)
	assert.True(t, otel.Enabled)
}

func TestDSN(t *testing.T) {
	cfg := DBConfig{Host: "db", Port: 5432, User: "app", Password: "p@ss", Name: "crowdvault"}
	assert.Equal(t, "postgres://app:p%40ss@db:5432/crowdvault?sslmode=disable", cfg.DSN())
}
