package policy

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/mesh/pkg/merrors"
)

// documentSchema is the JSON Schema every policy document must satisfy.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "name", "default_action"],
  "properties": {
    "version": {"type": "string"},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "agent": {"type": "string"},
    "agents": {"type": "array", "items": {"type": "string"}},
    "default_action": {"enum": ["allow", "deny", "warn", "log", "require_approval"]},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "condition", "action", "priority"],
        "properties": {
          "name": {"type": "string"},
          "description": {"type": "string"},
          "condition": {"type": "string"},
          "action": {"enum": ["allow", "deny", "warn", "log", "require_approval"]},
          "priority": {"type": "integer"},
          "enabled": {"type": "boolean"},
          "limit": {"type": "string"},
          "approvers": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var compiledDocumentSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://agentmesh.dev/schema/policy-document.json"
	if err := c.AddResource(schemaURL, strings.NewReader(documentSchema)); err != nil {
		panic(fmt.Sprintf("policy: embedded schema invalid: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("policy: embedded schema failed to compile: %v", err))
	}
	return s
}()

// minSupportedVersion gates the document "version" field via semver
// comparison rather than exact string match, so point releases of the
// schema stay compatible. Only major version 1 is currently supported.
var minSupportedVersion = semver.MustParse("1.0.0")

const maxSupportedMajor = 1

type ruleDocument struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Condition   string `yaml:"condition" json:"condition"`
	Action      string `yaml:"action" json:"action"`
	Priority    int    `yaml:"priority" json:"priority"`
	Enabled     *bool  `yaml:"enabled" json:"enabled"`
	Limit       string `yaml:"limit" json:"limit"`
	Approvers   []string `yaml:"approvers" json:"approvers"`
}

type policyDocument struct {
	Version       string         `yaml:"version" json:"version"`
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description" json:"description"`
	Agent         string         `yaml:"agent" json:"agent"`
	Agents        []string       `yaml:"agents" json:"agents"`
	DefaultAction string         `yaml:"default_action" json:"default_action"`
	Rules         []ruleDocument `yaml:"rules" json:"rules"`
}

// Load parses a YAML or JSON policy document, validates it against the
// schema, compiles every rule's condition, and returns a ready-to-register
// Policy. Fails with PolicyInvalid on schema mismatch, version
// incompatibility, or an unparseable condition.
func Load(raw []byte) (Policy, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Policy{}, merrors.Wrap(merrors.PolicyInvalid, err, "policy document is not valid YAML/JSON")
	}

	// jsonschema validates against decoded any-typed data, so round-trip
	// through the YAML decoder's generic representation rather than
	// re-parsing raw bytes as JSON (YAML is a superset for our purposes).
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return Policy{}, merrors.Wrap(merrors.PolicyInvalid, err, "policy document is not valid YAML/JSON")
	}
	generic = normalizeForSchema(generic)
	if err := compiledDocumentSchema.Validate(generic); err != nil {
		return Policy{}, merrors.Wrap(merrors.PolicyInvalid, err, "policy document failed schema validation")
	}

	if doc.Agent != "" && len(doc.Agents) > 0 {
		return Policy{}, merrors.New(merrors.PolicyInvalid, "agent and agents are mutually exclusive")
	}

	v, err := semver.NewVersion(doc.Version)
	if err != nil {
		return Policy{}, merrors.Wrap(merrors.PolicyInvalid, err, "version %q is not valid semver", doc.Version)
	}
	if v.LessThan(minSupportedVersion) || v.Major() > maxSupportedMajor {
		return Policy{}, merrors.New(merrors.PolicyInvalid, "version %q is not supported (supported: %s.x)", doc.Version, minSupportedVersion.Original())
	}

	policy := Policy{
		ID:            uuid.NewString(),
		Version:       doc.Version,
		Name:          doc.Name,
		Description:   doc.Description,
		Agent:         doc.Agent,
		Agents:        doc.Agents,
		DefaultAction: Action(doc.DefaultAction),
	}
	if policy.Agent == "" && len(policy.Agents) == 0 {
		policy.Agent = "*"
	}

	for i, rd := range doc.Rules {
		rule, err := compileRule(rd, i)
		if err != nil {
			return Policy{}, err
		}
		policy.Rules = append(policy.Rules, rule)
	}

	return policy, nil
}

func compileRule(rd ruleDocument, declOrder int) (Rule, error) {
	action := Action(rd.Action)
	if action == ActionRequireApproval && len(rd.Approvers) == 0 {
		return Rule{}, merrors.New(merrors.PolicyInvalid, "rule %q requires approvers when action is require_approval", rd.Name)
	}

	compiled, err := compileCondition(rd.Condition)
	if err != nil {
		return Rule{}, err
	}

	var limit *Limit
	if rd.Limit != "" {
		l, err := parseLimit(rd.Limit)
		if err != nil {
			return Rule{}, err
		}
		limit = &l
	}

	enabled := true
	if rd.Enabled != nil {
		enabled = *rd.Enabled
	}

	return Rule{
		Name:        rd.Name,
		Description: rd.Description,
		Condition:   rd.Condition,
		Action:      action,
		Priority:    rd.Priority,
		Enabled:     enabled,
		Limit:       limit,
		Approvers:   rd.Approvers,
		declOrder:   declOrder,
		compiled:    compiled,
	}, nil
}

// parseLimit parses a "<n>/<window>" rate limit string.
func parseLimit(s string) (Limit, error) {
	n, window, ok := strings.Cut(s, "/")
	if !ok {
		return Limit{}, merrors.New(merrors.PolicyInvalid, "limit %q must be of the form <n>/<window>", s)
	}
	var count int
	if _, err := fmt.Sscanf(n, "%d", &count); err != nil || count <= 0 {
		return Limit{}, merrors.New(merrors.PolicyInvalid, "limit %q has an invalid count", s)
	}
	w := Window(window)
	switch w {
	case WindowSecond, WindowMinute, WindowHour, WindowDay:
	default:
		return Limit{}, merrors.New(merrors.PolicyInvalid, "limit %q has an unknown window %q", s, window)
	}
	return Limit{N: count, Window: w}, nil
}

// normalizeForSchema converts yaml.v3's map[string]interface{} decoding
// (which on older gopkg.in/yaml.v3 versions may produce
// map[interface{}]interface{} for nested maps) into the
// map[string]interface{} shape jsonschema/v5 requires.
func normalizeForSchema(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeForSchema(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}
