// Package config loads the engine-level tunables shared by the identity,
// policy, audit, and trust components: thresholds, TTLs, decay rates,
// dimension weights. Values come from built-in defaults, an optional YAML
// profile file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized engine-level option.
type Config struct {
	RevocationThreshold    int
	MaxDelegationDepth     int
	CredentialTTL          time.Duration
	CredentialRotationLead time.Duration

	DecayInterval time.Duration
	DecayRate     float64
	DecayFloor    float64

	DimensionWeights map[string]float64
	DimensionAlpha   map[string]float64

	PolicyEvalTimeout time.Duration
	ApprovalTimeout   time.Duration

	// AuditStorage names the audit backend: "memory", "sqlite", or
	// "postgres". AuditDSN is the backend's connection string; unused
	// for "memory". Validate checks AuditStorage; mesh.New reads neither
	// field and takes its backend from mesh.Options.AuditBackend.
	AuditStorage string
	AuditDSN     string

	LogLevel string
}

// Default returns the documented default for every option.
func Default() *Config {
	return &Config{
		RevocationThreshold:    300,
		MaxDelegationDepth:     8,
		CredentialTTL:          15 * time.Minute,
		CredentialRotationLead: 5 * time.Minute,
		DecayInterval:          time.Hour,
		DecayRate:              2.0,
		DecayFloor:             10.0,
		DimensionWeights: map[string]float64{
			"policy_compliance":    0.30,
			"resource_efficiency":  0.15,
			"output_quality":       0.25,
			"security_posture":     0.20,
			"collaboration_health": 0.10,
		},
		DimensionAlpha: map[string]float64{
			"policy_compliance":    0.2,
			"resource_efficiency":  0.2,
			"output_quality":       0.2,
			"security_posture":     0.2,
			"collaboration_health": 0.2,
		},
		PolicyEvalTimeout: 5 * time.Millisecond,
		ApprovalTimeout:   30 * time.Second,
		AuditStorage:      "memory",
		LogLevel:          "INFO",
	}
}

// Load builds a Config from defaults overridden by environment variables.
// If AGENTMESH_PROFILE names a profile file, it is applied between the
// two. Load fails if the resulting config does not validate.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("AGENTMESH_PROFILE"); path != "" {
		if err := cfg.applyProfile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt("AGENTMESH_REVOCATION_THRESHOLD", &c.RevocationThreshold)
	envInt("AGENTMESH_MAX_DELEGATION_DEPTH", &c.MaxDelegationDepth)
	envDuration("AGENTMESH_CREDENTIAL_TTL", &c.CredentialTTL)
	envDuration("AGENTMESH_CREDENTIAL_ROTATION_LEAD", &c.CredentialRotationLead)
	envDuration("AGENTMESH_DECAY_INTERVAL", &c.DecayInterval)
	envFloat("AGENTMESH_DECAY_RATE", &c.DecayRate)
	envFloat("AGENTMESH_DECAY_FLOOR", &c.DecayFloor)
	envDuration("AGENTMESH_POLICY_EVAL_TIMEOUT", &c.PolicyEvalTimeout)
	envDuration("AGENTMESH_APPROVAL_TIMEOUT", &c.ApprovalTimeout)
	envString("AGENTMESH_AUDIT_STORAGE", &c.AuditStorage)
	envString("AGENTMESH_AUDIT_DSN", &c.AuditDSN)
	envString("AGENTMESH_LOG_LEVEL", &c.LogLevel)
}

// Validate rejects configurations that would make the trust engine
// misbehave: weights must sum to 1.0 within 1e-6, alphas must lie in
// (0, 1], and every duration must be positive.
func (c *Config) Validate() error {
	var sum float64
	for _, w := range c.DimensionWeights {
		sum += w
	}
	if math.Abs(sum-1.0) >= 1e-6 {
		return fmt.Errorf("dimension_weights sum to %g, want 1.0", sum)
	}
	for dim, a := range c.DimensionAlpha {
		if a <= 0 || a > 1 {
			return fmt.Errorf("dimension_alpha[%s] = %g outside (0, 1]", dim, a)
		}
	}
	if c.MaxDelegationDepth < 1 {
		return fmt.Errorf("max_delegation_depth %d < 1", c.MaxDelegationDepth)
	}
	for name, d := range map[string]time.Duration{
		"credential_ttl":           c.CredentialTTL,
		"credential_rotation_lead": c.CredentialRotationLead,
		"decay_interval":           c.DecayInterval,
		"policy_eval_timeout":      c.PolicyEvalTimeout,
		"approval_timeout":         c.ApprovalTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.CredentialRotationLead >= c.CredentialTTL {
		return fmt.Errorf("credential_rotation_lead %s >= credential_ttl %s", c.CredentialRotationLead, c.CredentialTTL)
	}
	switch c.AuditStorage {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown audit_storage %q", c.AuditStorage)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
