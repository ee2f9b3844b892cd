// Package agentcfg loads the declarative AgentDefinition a mission runs
// from: the completion-handler config, the step registry location, GitHub
// App routing, and the optional state cache, the same viper/mapstructure
// YAML loading convention the teacher uses for its own Config.
package agentcfg

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// GitHubConfig is the GitHub App installation this mission authenticates
// as, plus the boundary-hook label/closure policy of spec §6.4.
type GitHubConfig struct {
	AppID                int64        `mapstructure:"app_id"`
	InstallationID       int64        `mapstructure:"installation_id"`
	PrivateKeySecret     string       `mapstructure:"private_key_secret"`
	Labels               LabelsConfig `mapstructure:"labels"`
	DefaultClosureAction string       `mapstructure:"default_closure_action"`
}

// LabelsConfig is the github.labels section of the mission config.
type LabelsConfig struct {
	Completion CompletionLabelsConfig `mapstructure:"completion"`
}

// CompletionLabelsConfig lists the labels a boundary hook adds/removes on
// the terminal step.
type CompletionLabelsConfig struct {
	Add    []string `mapstructure:"add"`
	Remove []string `mapstructure:"remove"`
}

// CloudConfig is the optional GCP-hosted ambient stack: Secret Manager for
// the GitHub App key, Cloud Logging, and instance-metadata status
// reporting all key off the same project.
type CloudConfig struct {
	Project string `mapstructure:"project"`
}

// StateCacheConfig controls the optional Postgres-backed IssueState cache.
// An empty DSN means the in-memory cache is used.
type StateCacheConfig struct {
	DSN string        `mapstructure:"dsn"`
	TTL time.Duration `mapstructure:"ttl"`
}

// CompletionConfig is the declarative {type, config} completion-handler
// shape read straight into completion.Config-compatible fields.
type CompletionConfig struct {
	Type     string                 `mapstructure:"type"`
	Config   map[string]interface{} `mapstructure:"config"`
	Operator string                 `mapstructure:"operator"`
	Children []CompletionConfig     `mapstructure:"children"`
}

// SessionConfig is the per-run target: which repo, which issue, how many
// iterations the hard cap allows.
type SessionConfig struct {
	Repository    string `mapstructure:"repository"`
	IssueNumber   int    `mapstructure:"issue_number"`
	MaxIterations int    `mapstructure:"max_iterations"`
}

// AgentProcessConfig is the external coding-agent command AgentLoop drives
// through internal/agentexec. The command is wholly responsible for its
// own LLM integration; this repo only shells out to it and parses its
// event stream.
type AgentProcessConfig struct {
	Command []string `mapstructure:"command"`
}

// AgentDefinition is the full declarative mission configuration: what step
// registry to drive, how to decide completion, which repo/issue it targets,
// and how to reach GitHub.
type AgentDefinition struct {
	Session    SessionConfig      `mapstructure:"session"`
	GitHub     GitHubConfig       `mapstructure:"github"`
	Cloud      CloudConfig        `mapstructure:"cloud"`
	StateCache StateCacheConfig   `mapstructure:"state_cache"`
	Completion CompletionConfig   `mapstructure:"completion"`
	Agent      AgentProcessConfig `mapstructure:"agent"`

	// RegistryPath points at a StepsRegistry JSON or YAML file. Empty
	// means the mission has no step-flow (a bare CompletionHandler run).
	RegistryPath string `mapstructure:"registry_path"`
}

// Load reads the AgentDefinition from whatever config file/environment
// viper has already been pointed at (viper.SetConfigFile/AddConfigPath,
// viper.ReadInConfig, by the caller) and applies defaults.
func Load() (*AgentDefinition, error) {
	def := &AgentDefinition{}

	if err := viper.Unmarshal(def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent definition: %w", err)
	}

	applyDefaults(def)

	return def, nil
}

func applyDefaults(def *AgentDefinition) {
	if def.Session.MaxIterations == 0 {
		def.Session.MaxIterations = 30
	}
	if def.StateCache.TTL == 0 {
		def.StateCache.TTL = 5 * time.Minute
	}
}

// Validate checks the fields required to start a run.
func (d *AgentDefinition) Validate() error {
	if d.Session.Repository == "" {
		return fmt.Errorf("session.repository is required")
	}
	if d.Session.IssueNumber == 0 {
		return fmt.Errorf("session.issue_number is required")
	}
	if d.Session.MaxIterations <= 0 {
		return fmt.Errorf("session.max_iterations must be positive")
	}
	if d.Session.MaxIterations > 100 {
		return fmt.Errorf("session.max_iterations must not exceed the 100-iteration hard cap")
	}

	if d.GitHub.AppID == 0 {
		return fmt.Errorf("github.app_id is required")
	}
	if d.GitHub.InstallationID == 0 {
		return fmt.Errorf("github.installation_id is required")
	}
	if d.GitHub.PrivateKeySecret == "" {
		return fmt.Errorf("github.private_key_secret is required")
	}

	if d.Completion.Type == "" {
		return fmt.Errorf("completion.type is required")
	}

	if len(d.Agent.Command) == 0 {
		return fmt.Errorf("agent.command is required")
	}

	return nil
}
