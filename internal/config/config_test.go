package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
service:
  name: approvals-test
  environment: production
server:
  port: 9000
  read_timeout: 5s
database:
  host: db.internal
  port: 5433
storage:
  driver: memory
engine:
  instance_no_prefix: EC
  default_policy: ANY
  max_retries: 5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "approvals-test", cfg.Service.Name)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "EC", cfg.Engine.InstanceNoPrefix)
	assert.Equal(t, "ANY", cfg.Engine.DefaultPolicy)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APPROVALS_DB_HOST", "override-host")
	t.Setenv("APPROVALS_DB_PORT", "6543")
	t.Setenv("APPROVALS_AUDIT_DENIED_ATTEMPTS", "true")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "override-host", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.True(t, cfg.Engine.AuditDeniedAttempts)
}

func TestLoad_BadEnvInt(t *testing.T) {
	t.Setenv("APPROVALS_DB_PORT", "not-a-port")

	_, err := Load(writeConfig(t, sampleYAML))
	assert.ErrorContains(t, err, "APPROVALS_DB_PORT")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Storage.Driver = "mysql"
	assert.ErrorContains(t, cfg.Validate(), "unsupported storage driver")

	cfg = Default()
	cfg.Engine.DefaultPolicy = "MAJORITY"
	assert.ErrorContains(t, cfg.Validate(), "default_policy")

	cfg = Default()
	cfg.Lark.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "lark.app_id")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: 5432, Database: "db", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/db?sslmode=disable", d.DSN())
}
