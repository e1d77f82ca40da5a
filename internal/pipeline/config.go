package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultFidelityThreshold = 95.0
	DefaultMaxRounds         = 3
	MaxRoundsCeiling         = 10
	DefaultLLMTimeout        = 120 * time.Second
	DefaultStageTimeout      = 10 * time.Minute
	DefaultPoolSize          = 4
)

// AgentSpec names one competing proposal worker.
type AgentSpec struct {
	Model string `yaml:"model" json:"model"`
}

// Config is the single record consumed at pipeline start.
type Config struct {
	SupervisorModel string      `yaml:"supervisor_model" json:"supervisor_model"`
	JudgeModel      string      `yaml:"judge_model" json:"judge_model"`
	MergerModel     string      `yaml:"merger_model" json:"merger_model"`
	ProposalAgents  []AgentSpec `yaml:"proposal_agents" json:"proposal_agents"`

	// FidelityThreshold is a pointer so an explicit 0 (accept everything)
	// is distinguishable from unset.
	FidelityThreshold     *float64 `yaml:"fidelity_threshold,omitempty" json:"fidelity_threshold,omitempty"`
	MaxRounds             int      `yaml:"max_rounds" json:"max_rounds"`
	DebateEnabled         *bool    `yaml:"debate_enabled,omitempty" json:"debate_enabled,omitempty"`
	HumanApprovalRequired bool     `yaml:"human_approval_required" json:"human_approval_required"`

	LLMTimeout   time.Duration `yaml:"llm_timeout,omitempty" json:"-"`
	StageTimeout time.Duration `yaml:"stage_timeout,omitempty" json:"-"`
	PoolSize     int           `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
}

const configSchema = `{
  "type": "object",
  "required": ["supervisor_model", "judge_model", "merger_model", "proposal_agents"],
  "properties": {
    "supervisor_model": {"type": "string", "minLength": 1},
    "judge_model": {"type": "string", "minLength": 1},
    "merger_model": {"type": "string", "minLength": 1},
    "proposal_agents": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["model"],
        "properties": {"model": {"type": "string", "minLength": 1}}
      }
    },
    "fidelity_threshold": {"type": "number", "minimum": 0, "maximum": 100},
    "max_rounds": {"type": "integer", "minimum": 1, "maximum": 10},
    "debate_enabled": {"type": "boolean"},
    "human_approval_required": {"type": "boolean"},
    "pool_size": {"type": "integer", "minimum": 1}
  }
}`

var compiledConfigSchema = jsonschema.MustCompileString("config.schema.json", configSchema)

// LoadConfig reads a YAML (or JSON; YAML is a superset here) config file,
// applies defaults, and validates against the embedded schema.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig decodes and validates raw config bytes. Unknown fields are
// rejected so typos fail loudly instead of silently defaulting.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.FidelityThreshold == nil {
		v := DefaultFidelityThreshold
		c.FidelityThreshold = &v
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.MaxRounds > MaxRoundsCeiling {
		c.MaxRounds = MaxRoundsCeiling
	}
	if c.DebateEnabled == nil {
		t := true
		c.DebateEnabled = &t
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = DefaultLLMTimeout
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
}

// Validate checks the config against the embedded schema.
func (c Config) Validate() error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(doc, &generic); err != nil {
		return err
	}
	if err := compiledConfigSchema.Validate(generic); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Debate reports the effective debate flag.
func (c Config) Debate() bool {
	return c.DebateEnabled == nil || *c.DebateEnabled
}

// Threshold reports the effective fidelity threshold.
func (c Config) Threshold() float64 {
	if c.FidelityThreshold == nil {
		return DefaultFidelityThreshold
	}
	return *c.FidelityThreshold
}

// Float64 and Bool build pointers for optional config fields.
func Float64(v float64) *float64 { return &v }
func Bool(v bool) *bool          { return &v }

// Models returns the proposal agent model names in declaration order.
func (c Config) Models() []string {
	out := make([]string, 0, len(c.ProposalAgents))
	for _, a := range c.ProposalAgents {
		out = append(out, a.Model)
	}
	return out
}

// String renders a short summary for logs.
func (c Config) String() string {
	return fmt.Sprintf("agents=[%s] threshold=%.1f rounds=%d debate=%t approval=%t",
		strings.Join(c.Models(), ","), c.Threshold(), c.MaxRounds, c.Debate(), c.HumanApprovalRequired)
}
