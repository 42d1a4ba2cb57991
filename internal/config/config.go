package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"
)

// DefaultPurchaseDecisionRule flags orphaned material lines that need a human
// decision. Evaluated against the material record.
const DefaultPurchaseDecisionRule = `procurement.mode == "purchase" || needPurchase == true`

// Config models draftline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Reconcile struct {
		PurchaseDecisionRule string `yaml:"purchase_decision_rule"`
	} `yaml:"reconcile"`
	Inventory struct {
		DefaultAllowOverbook bool `yaml:"default_allow_overbook"`
	} `yaml:"inventory"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with dl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure and that the decision
// rule compiles.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "job" {
		return fmt.Errorf("config.project.kind must be 'job'")
	}
	if _, err := c.PurchaseDecisionFunc(); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// PurchaseDecisionFunc compiles the configured rule into a predicate over a
// material record. Evaluation failures resolve to true so a broken rule
// surfaces hazards for review instead of hiding them.
func (c *Config) PurchaseDecisionFunc() (func(map[string]any) bool, error) {
	rule := c.Reconcile.PurchaseDecisionRule
	if rule == "" {
		rule = DefaultPurchaseDecisionRule
	}
	prog, err := expr.Compile(rule, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile reconcile.purchase_decision_rule: %w", err)
	}
	return func(rec map[string]any) bool {
		env := map[string]any{
			"procurement":  map[string]any{},
			"needPurchase": false,
		}
		for k, v := range rec {
			if v == nil {
				continue
			}
			env[k] = v
		}
		out, err := expr.Run(prog, env)
		if err != nil {
			return true
		}
		b, _ := out.(bool)
		return b
	}, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "draftline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "job"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: job

reconcile:
  # Decides whether an orphaned material line needs a human decision.
  # Evaluated against the material record.
  purchase_decision_rule: 'procurement.mode == "purchase" || needPurchase == true'

inventory:
  default_allow_overbook: false
`
