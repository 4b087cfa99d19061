package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// profileDocument is the YAML shape of a deployment profile. Every field
// is optional; absent fields keep their current value. Durations use Go
// duration syntax ("15m", "5s").
type profileDocument struct {
	RevocationThreshold    *int               `yaml:"revocation_threshold"`
	MaxDelegationDepth     *int               `yaml:"max_delegation_depth"`
	CredentialTTL          *string            `yaml:"credential_ttl"`
	CredentialRotationLead *string            `yaml:"credential_rotation_lead"`
	DecayInterval          *string            `yaml:"decay_interval"`
	DecayRate              *float64           `yaml:"decay_rate"`
	DecayFloor             *float64           `yaml:"decay_floor"`
	DimensionWeights       map[string]float64 `yaml:"dimension_weights"`
	DimensionAlpha         map[string]float64 `yaml:"dimension_alpha"`
	PolicyEvalTimeout      *string            `yaml:"policy_eval_timeout"`
	ApprovalTimeout        *string            `yaml:"approval_timeout"`
	AuditStorage           *string            `yaml:"audit_storage"`
	AuditDSN               *string            `yaml:"audit_dsn"`
	LogLevel               *string            `yaml:"log_level"`
}

// LoadProfile reads a profile file and returns the defaults with the
// profile applied and validated.
func LoadProfile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyProfile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}

	var doc profileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}

	if doc.RevocationThreshold != nil {
		c.RevocationThreshold = *doc.RevocationThreshold
	}
	if doc.MaxDelegationDepth != nil {
		c.MaxDelegationDepth = *doc.MaxDelegationDepth
	}
	if err := applyDuration(&c.CredentialTTL, doc.CredentialTTL, "credential_ttl"); err != nil {
		return err
	}
	if err := applyDuration(&c.CredentialRotationLead, doc.CredentialRotationLead, "credential_rotation_lead"); err != nil {
		return err
	}
	if err := applyDuration(&c.DecayInterval, doc.DecayInterval, "decay_interval"); err != nil {
		return err
	}
	if doc.DecayRate != nil {
		c.DecayRate = *doc.DecayRate
	}
	if doc.DecayFloor != nil {
		c.DecayFloor = *doc.DecayFloor
	}
	if doc.DimensionWeights != nil {
		c.DimensionWeights = doc.DimensionWeights
	}
	if doc.DimensionAlpha != nil {
		c.DimensionAlpha = doc.DimensionAlpha
	}
	if err := applyDuration(&c.PolicyEvalTimeout, doc.PolicyEvalTimeout, "policy_eval_timeout"); err != nil {
		return err
	}
	if err := applyDuration(&c.ApprovalTimeout, doc.ApprovalTimeout, "approval_timeout"); err != nil {
		return err
	}
	if doc.AuditStorage != nil {
		c.AuditStorage = *doc.AuditStorage
	}
	if doc.AuditDSN != nil {
		c.AuditDSN = *doc.AuditDSN
	}
	if doc.LogLevel != nil {
		c.LogLevel = *doc.LogLevel
	}
	return nil
}

func applyDuration(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("profile field %s: %w", field, err)
	}
	*dst = d
	return nil
}
