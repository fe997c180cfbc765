package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sandbox.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "50054", cfg.Port)
	assert.Equal(t, 8, cfg.Admission.MaxConcurrent)
	assert.Equal(t, "auto", cfg.Sandbox.Mode)
	assert.Equal(t, 2*time.Second, cfg.CheckTimeout())
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout())
	assert.Equal(t, 30*24*time.Hour, cfg.AuditRetention())
}

func TestLoad_AuditRetention(t *testing.T) {
	path := writeFile(t, `
[registry]
file = "tools.toml"

[audit]
retention_s = 86400
max_backups = 3
`)
	t.Setenv("TOOL_SANDBOX_AUDIT_MAX_AGE_S", "3600")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.AuditRetention())
	assert.Equal(t, time.Hour, cfg.AuditMaxAge())
	assert.Equal(t, 3, cfg.Audit.MaxBackups)

	t.Setenv("TOOL_SANDBOX_AUDIT_RETENTION_S", "-1")
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit.retention_s")
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
port = "6000"

[admission]
max_concurrent = 3
class_limits = { git = 1 }

[sandbox]
mode = "polling"
kill_grace_ms = 500

[[auth.keys]]
key = "tsb_dev_key_0001"
principal = "dev"
allowed_tools = ["ls"]
`)
	t.Setenv("TOOL_SANDBOX_PORT", "7000")
	t.Setenv("TOOL_SANDBOX_MAX_CONCURRENT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Port, "environment overrides the file")
	assert.Equal(t, 3, cfg.Admission.MaxConcurrent, "unparseable env keeps the file value")
	assert.Equal(t, map[string]int{"git": 1}, cfg.Admission.ClassLimits)
	assert.Equal(t, "polling", cfg.Sandbox.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.KillGrace())
	require.Len(t, cfg.Auth.Keys, 1)
	assert.Equal(t, []string{"ls"}, cfg.Auth.Keys[0].AllowedTools)
}

func TestLoad_UnknownKeysRejected(t *testing.T) {
	path := writeFile(t, "prot = \"1\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prot")
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeFile(t, `
[sandbox]
mode = "jail"

[redaction]
style = "partial"

[[auth.keys]]
key = "sk_nope"
`)
	_, err := Load(path)
	require.Error(t, err)
	for _, want := range []string{"sandbox.mode", "redaction.style", "auth.keys[0]"} {
		assert.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
