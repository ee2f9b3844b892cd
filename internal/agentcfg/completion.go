package agentcfg

import (
	"github.com/andywolf/stepflow-agent/internal/completion"
)

// ToHandlerConfig converts the declarative YAML/viper-decoded
// CompletionConfig into the completion.Config the factory consumes,
// recursing through composite children.
func (c CompletionConfig) ToHandlerConfig() completion.Config {
	children := make([]completion.Config, 0, len(c.Children))
	for _, child := range c.Children {
		children = append(children, child.ToHandlerConfig())
	}

	return completion.Config{
		Type:     c.Type,
		Config:   c.Config,
		Operator: completion.Operator(c.Operator),
		Children: children,
	}
}
