package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProfileOverridesDefaults(t *testing.T) {
	path := writeProfile(t, `
revocation_threshold: 500
credential_ttl: 1h
decay_rate: 4.0
audit_storage: postgres
audit_dsn: postgres://mesh@localhost/mesh
dimension_weights:
  policy_compliance: 0.40
  resource_efficiency: 0.10
  output_quality: 0.25
  security_posture: 0.15
  collaboration_health: 0.10
`)

	cfg, err := LoadProfile(path)
	require.NoError(t, err)
	require.Equal(t, 500, cfg.RevocationThreshold)
	require.Equal(t, time.Hour, cfg.CredentialTTL)
	require.Equal(t, 4.0, cfg.DecayRate)
	require.Equal(t, "postgres", cfg.AuditStorage)
	require.Equal(t, 0.40, cfg.DimensionWeights["policy_compliance"])

	// Untouched fields keep their defaults.
	require.Equal(t, 8, cfg.MaxDelegationDepth)
	require.Equal(t, 30*time.Second, cfg.ApprovalTimeout)
}

func TestLoadProfileRejectsNonNormalizedWeights(t *testing.T) {
	path := writeProfile(t, `
dimension_weights:
  policy_compliance: 0.90
  resource_efficiency: 0.90
  output_quality: 0.25
  security_posture: 0.20
  collaboration_health: 0.10
`)
	_, err := LoadProfile(path)
	require.Error(t, err)
}

func TestLoadProfileRejectsBadDuration(t *testing.T) {
	path := writeProfile(t, "credential_ttl: soon\n")
	_, err := LoadProfile(path)
	require.Error(t, err)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverridesProfile(t *testing.T) {
	path := writeProfile(t, "revocation_threshold: 500\n")
	t.Setenv("AGENTMESH_PROFILE", path)
	t.Setenv("AGENTMESH_REVOCATION_THRESHOLD", "600")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 600, cfg.RevocationThreshold)
}
