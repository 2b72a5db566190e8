package permissions

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Severity is an issue severity level. Levels are ordered
// INFO < MINOR < MAJOR < CRITICAL < BLOCKER.
type Severity string

// Severity levels.
const (
	SeverityInfo     Severity = "INFO"
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
	SeverityBlocker  Severity = "BLOCKER"
)

var severityOrder = []Severity{SeverityInfo, SeverityMinor, SeverityMajor, SeverityCritical, SeverityBlocker}

// Rank returns the position of s on the severity scale, or -1 when s is not
// a known level. Comparison is case-insensitive.
func (s Severity) Rank() int {
	return slices.Index(severityOrder, Severity(strings.ToUpper(string(s))))
}

// Valid reports whether s is a known severity level.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// DefaultWriteTools are the tools that modify state on the platform. Rules
// marked readonly deny them.
var DefaultWriteTools = []string{
	"change_issue_status",
	"assign_issue",
	"add_issue_comment",
	"set_issue_severity",
	"change_hotspot_status",
	"create_project",
	"delete_project",
	"update_project",
	"set_quality_gate",
	"create_quality_gate",
	"delete_quality_gate",
	"create_webhook",
	"delete_webhook",
	"generate_token",
	"revoke_token",
}

// Rule maps a set of groups to what their members may do.
type Rule struct {
	// Groups the rule applies to. Empty matches every user.
	Groups []string `yaml:"groups,omitempty" json:"groups,omitempty"`

	// AllowedProjects are regular expressions matched with search semantics
	// against project keys. An empty list denies every project.
	AllowedProjects []string `yaml:"allowedProjects" json:"allowedProjects"`

	// AllowedTools lists permitted tools; "*" permits any tool.
	AllowedTools []string `yaml:"allowedTools" json:"allowedTools"`

	// DeniedTools always wins over AllowedTools.
	DeniedTools []string `yaml:"deniedTools,omitempty" json:"deniedTools,omitempty"`

	// Readonly denies write tools.
	Readonly bool `yaml:"readonly" json:"readonly"`

	// MaxSeverity is the highest severity actions may request. Empty means
	// no ceiling.
	MaxSeverity Severity `yaml:"maxSeverity,omitempty" json:"maxSeverity,omitempty"`

	// HideSensitiveData asks tool handlers to redact sensitive fields.
	HideSensitiveData bool `yaml:"hideSensitiveData,omitempty" json:"hideSensitiveData,omitempty"`

	// Priority orders rules, highest first. Absent means 0.
	Priority *int `yaml:"priority,omitempty" json:"priority,omitempty"`
}

func (r *Rule) priority() int {
	if r.Priority == nil {
		return 0
	}
	return *r.Priority
}

// Config is the permission rule document.
type Config struct {
	Rules []Rule `yaml:"rules" json:"rules"`

	// WriteTools overrides DefaultWriteTools when set.
	WriteTools []string `yaml:"writeTools,omitempty" json:"writeTools,omitempty"`
}

// LoadConfig reads and validates a permission config file in YAML or JSON.
//
//nolint:gosec // path comes from operator configuration
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read permission config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("invalid permission config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses and validates a permission config. The document is
// first decoded into a generic tree so that type errors (a string where an
// array belongs, a quoted boolean) are reported by field instead of being
// coerced. JSON is accepted as it is a subset of YAML.
func ParseConfig(data []byte) (*Config, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse permission config: %w", err)
	}
	if err := validateTree(tree); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode permission config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks a typed config: known severities and compilable project
// patterns.
func (c *Config) Validate() error {
	for i, rule := range c.Rules {
		if rule.MaxSeverity != "" && !rule.MaxSeverity.Valid() {
			return fmt.Errorf("rules[%d].maxSeverity: unknown severity %q", i, rule.MaxSeverity)
		}
		for j, pattern := range rule.AllowedProjects {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("rules[%d].allowedProjects[%d]: invalid pattern %q: %w", i, j, pattern, err)
			}
		}
	}
	return nil
}

var ruleFieldKinds = map[string]string{
	"groups":            "array",
	"allowedProjects":   "array",
	"allowedTools":      "array",
	"deniedTools":       "array",
	"readonly":          "boolean",
	"hideSensitiveData": "boolean",
	"priority":          "integer",
	"maxSeverity":       "string",
}

func validateTree(tree any) error {
	root, ok := tree.(map[string]any)
	if !ok {
		return fmt.Errorf("permission config must be a mapping with a 'rules' list")
	}
	for key := range root {
		if key != "rules" && key != "writeTools" {
			return fmt.Errorf("unknown top-level field %q", key)
		}
	}
	if wt, ok := root["writeTools"]; ok {
		if err := checkStringArray("writeTools", wt); err != nil {
			return err
		}
	}

	rules, ok := root["rules"].([]any)
	if !ok {
		return fmt.Errorf("'rules' must be an array")
	}
	for i, raw := range rules {
		rule, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("rules[%d] must be a mapping", i)
		}
		for _, required := range []string{"allowedProjects", "allowedTools"} {
			if _, ok := rule[required]; !ok {
				return fmt.Errorf("rules[%d].%s is required", i, required)
			}
		}
		for key, value := range rule {
			if err := checkRuleField(fmt.Sprintf("rules[%d].%s", i, key), key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkRuleField(path, key string, value any) error {
	kind, known := ruleFieldKinds[key]
	if !known {
		return fmt.Errorf("%s: unknown field", path)
	}
	switch kind {
	case "array":
		return checkStringArray(path, value)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s must be a boolean", path)
		}
	case "integer":
		if _, ok := value.(int); !ok {
			return fmt.Errorf("%s must be an integer", path)
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%s must be a string", path)
		}
	}
	return nil
}

func checkStringArray(path string, value any) error {
	items, ok := value.([]any)
	if !ok {
		return fmt.Errorf("%s must be an array", path)
	}
	for i, item := range items {
		if _, ok := item.(string); !ok {
			return fmt.Errorf("%s[%d] must be a string", path, i)
		}
	}
	return nil
}
