package completion

import (
	"fmt"

	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/runerr"
)

// Config is the declarative {type, config} pair the factory consumes.
// Config keys are read with permissive type coercion (JSON-decoded
// YAML/JSON commonly hands back float64 for numbers).
type Config struct {
	Type      string
	Config    map[string]interface{}
	Operator  Operator // only consulted when Type == "composite"
	Children  []Config // only consulted when Type == "composite"
}

// Dependencies bundles the externally-supplied capabilities a handler may
// need at construction time. Strategies that don't need a given capability
// simply ignore it.
type Dependencies struct {
	ExternalStateChecker capability.ExternalStateChecker
	IssueOps             capability.IssueOps
	ProjectProber        capability.ProjectProber

	IssueNumber int    // supplied from run args, not config
	Repo        string
	Labels      BoundaryLabels
}

// Build is the declarative config-driven strategy factory, dispatching on a
// string type tag: a pure total function from (type, config) to a typed
// Handler, returning a *runerr.ConfigurationError for unrecognised tags or
// missing mandatory fields.
func Build(cfg Config, deps Dependencies) (Handler, error) {
	switch cfg.Type {
	case "iterationBudget":
		max, err := requireInt(cfg.Config, "maxIterations")
		if err != nil {
			return nil, err
		}
		return NewIterationBudget(max)

	case "keywordSignal":
		kw, err := requireString(cfg.Config, "completionKeyword")
		if err != nil {
			return nil, err
		}
		return NewKeywordSignal(kw)

	case "structuredSignal":
		signalType, err := requireString(cfg.Config, "signalType")
		if err != nil {
			return nil, err
		}
		required, _ := cfg.Config["requiredFields"].(map[string]interface{})
		return NewStructuredSignal(signalType, required)

	case "checkBudget":
		max, err := requireInt(cfg.Config, "maxChecks")
		if err != nil {
			return nil, err
		}
		return NewCheckBudget(max)

	case "facilitator":
		max := 0
		if v, ok := cfg.Config["maxChecks"]; ok {
			n, err := coerceInt(v)
			if err != nil {
				return nil, runerr.NewConfigurationError("facilitator", err.Error())
			}
			max = n
		}
		return NewFacilitatorWithMaxChecks(max)

	case "externalState":
		return NewExternalState(deps.IssueNumber, deps.Repo, deps.ExternalStateChecker,
			WithIssueOps(deps.IssueOps, deps.Labels))

	case "phaseCompletion":
		owner, _ := cfg.Config["projectOwner"].(string)
		project, _ := cfg.Config["project"].(string)
		labelFilter, _ := cfg.Config["labelFilter"].(string)
		if owner == "" {
			owner = deps.Repo
		}
		return NewPhaseCompletion(owner, project, labelFilter, deps.Repo, deps.ExternalStateChecker, deps.ProjectProber)

	case "composite":
		if len(cfg.Children) == 0 {
			return nil, runerr.NewConfigurationError("compositeHandler", "composite requires at least one condition in conditions[]")
		}
		children := make([]Handler, 0, len(cfg.Children))
		for _, childCfg := range cfg.Children {
			child, err := Build(childCfg, deps)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return NewCompositeHandler(cfg.Operator, children...)

	default:
		return nil, runerr.NewConfigurationError("completion.Build", fmt.Sprintf("unrecognised completion type %q", cfg.Type))
	}
}

func requireString(cfg map[string]interface{}, key string) (string, error) {
	v, ok := cfg[key]
	if !ok {
		return "", runerr.NewConfigurationError("completion.Build", fmt.Sprintf("missing required field %q", key))
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", runerr.NewConfigurationError("completion.Build", fmt.Sprintf("field %q must be a non-empty string", key))
	}
	return s, nil
}

func requireInt(cfg map[string]interface{}, key string) (int, error) {
	v, ok := cfg[key]
	if !ok {
		return 0, runerr.NewConfigurationError("completion.Build", fmt.Sprintf("missing required field %q", key))
	}
	n, err := coerceInt(v)
	if err != nil {
		return 0, runerr.NewConfigurationError("completion.Build", fmt.Sprintf("field %q: %v", key, err))
	}
	return n, nil
}

func coerceInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
