package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/andywolf/stepflow-agent/internal/agentcfg"
	"github.com/andywolf/stepflow-agent/internal/agentexec"
	"github.com/andywolf/stepflow-agent/internal/agentloop"
	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/cloud/gcp"
	"github.com/andywolf/stepflow-agent/internal/completion"
	"github.com/andywolf/stepflow-agent/internal/ghapp"
	"github.com/andywolf/stepflow-agent/internal/ghapp/cache"
	"github.com/andywolf/stepflow-agent/internal/prompt"
	"github.com/andywolf/stepflow-agent/internal/runlog"
	"github.com/andywolf/stepflow-agent/internal/security"
	"github.com/andywolf/stepflow-agent/internal/stepflow"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// missionCmd groups the Completion/Step-Flow core's own entrypoints,
// separate from the VM-provisioning commands above: this is the "thin
// entrypoint that wires AgentLoop" promised in SPEC_FULL.md's domain-stack
// table, not another provisioning surface.
var missionCmd = &cobra.Command{
	Use:   "mission",
	Short: "Drive a single completion-gated agent mission in this process",
}

var missionRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an AgentLoop mission to completion, locally, in this process",
	Long: `Loads an AgentDefinition (completion handler, optional step registry,
GitHub App routing, external agent command) and drives it through
internal/agentloop.AgentLoop until the completion handler reports done, the
hard iteration cap is reached, or the query stream fails.

Example:
  agentium mission run --config mission.yaml`,
	RunE: runMission,
}

var validateRegistryCmd = &cobra.Command{
	Use:   "validate-registry",
	Short: "Load and validate a StepsRegistry file without running anything",
	Long: `Loads a step registry (JSON or YAML per spec §6.2) and reports the
invariant violations internal/stepflow.LoadRegistryFile would reject at
load time: missing entryStep, a non-terminal step without transitions, a
transition target that doesn't exist, or more than one canonical closure
sentinel.

Example:
  agentium mission validate-registry --registry steps.json`,
	RunE: runValidateRegistry,
}

func init() {
	rootCmd.AddCommand(missionCmd)
	missionCmd.AddCommand(missionRunCmd)
	missionCmd.AddCommand(validateRegistryCmd)

	missionRunCmd.Flags().String("config", "", "AgentDefinition config file (YAML/JSON)")
	missionRunCmd.Flags().String("input-mode", "", "Input mode key for StepsRegistry.entryStepMapping, if the registry uses one")
	missionRunCmd.Flags().String("resume", "", "Previous session ID to resume from")
	missionRunCmd.Flags().String("log-dir", "", "Directory for the JSONL run-log sink (omit to log to stdout only)")

	validateRegistryCmd.Flags().String("registry", "", "Path to a StepsRegistry JSON or YAML file")
	_ = validateRegistryCmd.MarkFlagRequired("registry")
}

func runMission(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read mission config %s: %w", configPath, err)
		}
	}

	def, err := agentcfg.Load()
	if err != nil {
		return fmt.Errorf("failed to load agent definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid agent definition: %w", err)
	}

	logDir, _ := cmd.Flags().GetString("log-dir")
	logger, closeLogger, err := buildLogger(def, logDir)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer closeLogger()

	handler, statusUpdater, err := buildHandler(ctx, cmd, def)
	if err != nil {
		return fmt.Errorf("failed to build completion handler: %w", err)
	}

	queryFn, err := agentexec.New(def.Agent.Command)
	if err != nil {
		return fmt.Errorf("failed to build agent query process: %w", err)
	}

	resume, _ := cmd.Flags().GetString("resume")

	loop := agentloop.New(queryFn.QueryFn(), handler, logger)
	result, err := loop.Run(ctx, agentloop.Options{
		Resume:        resume,
		StatusUpdater: statusUpdater,
	})
	if err != nil {
		return fmt.Errorf("mission run failed: %w", err)
	}

	fmt.Printf("Mission complete after %d iteration(s)\n", result.Iterations)
	return nil
}

// buildLogger constructs the runlog.Logger for a mission run: stdout
// always, a JSONL FileSink when --log-dir is set, a GCP cloud sink when
// cloud.project is configured, and security.LogSanitizer redaction on
// every sink unconditionally.
func buildLogger(def *agentcfg.AgentDefinition, logDir string) (*runlog.Logger, func(), error) {
	opts := []runlog.Option{runlog.WithSanitizer(security.NewLogSanitizer())}

	if logDir != "" {
		sink, err := runlog.NewFileSink(logDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open run log file sink: %w", err)
		}
		opts = append(opts, runlog.WithFileSink(sink))
	}

	if def.Cloud.Project != "" {
		cloudLogger := gcp.NewLogger(context.Background(), sessionIDFor(def))
		opts = append(opts, runlog.WithCloudLogger(cloudLogger))
	}

	logger := runlog.New(log.New(os.Stdout, "", log.LstdFlags), sessionIDFor(def), opts...)
	return logger, func() { _ = logger.Close() }, nil
}

func sessionIDFor(def *agentcfg.AgentDefinition) string {
	return fmt.Sprintf("%s#%d", def.Session.Repository, def.Session.IssueNumber)
}

// buildHandler wires the GitHub App client, optional IssueState cache,
// optional step registry, and the declarative completion-handler config
// into a completion.Handler, returning the optional GCP status updater a
// cloud-hosted run wires into AgentLoop's Options.
func buildHandler(ctx context.Context, cmd *cobra.Command, def *agentcfg.AgentDefinition) (completion.Handler, gcp.MetadataUpdater, error) {
	checker, ops, prober, err := buildGitHubCapabilities(ctx, def)
	if err != nil {
		return nil, nil, err
	}

	var statusUpdater gcp.MetadataUpdater
	if def.Cloud.Project != "" {
		updater, updaterErr := gcp.NewComputeMetadataUpdater(ctx)
		if updaterErr == nil {
			statusUpdater = updater
		}
	}

	deps := completion.Dependencies{
		ExternalStateChecker: checker,
		IssueOps:             ops,
		ProjectProber:        prober,
		IssueNumber:          def.Session.IssueNumber,
		Repo:                 def.Session.Repository,
		Labels: completion.BoundaryLabels{
			Add:                  def.GitHub.Labels.Completion.Add,
			Remove:               def.GitHub.Labels.Completion.Remove,
			DefaultClosureAction: def.GitHub.DefaultClosureAction,
		},
	}

	if def.RegistryPath == "" {
		handler, buildErr := completion.Build(def.Completion.ToHandlerConfig(), deps)
		return handler, statusUpdater, buildErr
	}

	registry, err := stepflow.LoadRegistryFile(def.RegistryPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load step registry %s: %w", def.RegistryPath, err)
	}

	inputMode, _ := cmd.Flags().GetString("input-mode")
	machine, err := stepflow.New(registry, inputMode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to construct step machine: %w", err)
	}

	resolver := prompt.FromRegistry(registry)
	return completion.NewStepMachineHandler(machine, resolver), statusUpdater, nil
}

// buildGitHubCapabilities authenticates as the configured GitHub App and
// returns the three capability bindings the completion strategies consume.
// When the App config is the zero value (e.g. a local dry run with no
// GitHub backing) all three are nil and strategies that need them will
// fail construction per their own required-config checks.
func buildGitHubCapabilities(ctx context.Context, def *agentcfg.AgentDefinition) (capability.ExternalStateChecker, capability.IssueOps, capability.ProjectProber, error) {
	if def.GitHub.AppID == 0 {
		return nil, nil, nil, nil
	}

	privateKey, err := fetchPrivateKey(ctx, def)
	if err != nil {
		return nil, nil, nil, err
	}

	tokens, err := ghapp.NewTokenManager(fmt.Sprintf("%d", def.GitHub.AppID), def.GitHub.InstallationID, privateKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to construct GitHub App token manager: %w", err)
	}

	client := ghapp.NewClient(tokens)

	var checker capability.ExternalStateChecker = client
	if def.StateCache.DSN != "" {
		pgCache, cacheErr := cache.NewPostgresCache(ctx, def.StateCache.DSN)
		if cacheErr != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect issue state cache: %w", cacheErr)
		}
		checker = ghapp.NewCachedChecker(client, pgCache, def.StateCache.TTL)
	} else {
		checker = ghapp.NewCachedChecker(client, cache.NewInMemoryCache(), def.StateCache.TTL)
	}

	return checker, client, client, nil
}

// fetchPrivateKey resolves the GitHub App private key PEM either from GCP
// Secret Manager (when cloud.project is set) or directly from the local
// filesystem path named by github.private_key_secret, matching the
// teacher's own "Secret Manager in the cloud, plain file locally" split.
func fetchPrivateKey(ctx context.Context, def *agentcfg.AgentDefinition) ([]byte, error) {
	if def.Cloud.Project == "" {
		data, err := os.ReadFile(def.GitHub.PrivateKeySecret)
		if err != nil {
			return nil, fmt.Errorf("failed to read GitHub App private key from %s: %w", def.GitHub.PrivateKeySecret, err)
		}
		return data, nil
	}

	secrets, err := gcp.NewSecretManagerClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to construct secret manager client: %w", err)
	}
	defer func() { _ = secrets.Close() }()

	pem, err := secrets.FetchSecret(ctx, def.GitHub.PrivateKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch GitHub App private key %s: %w", def.GitHub.PrivateKeySecret, err)
	}
	return []byte(pem), nil
}

func runValidateRegistry(cmd *cobra.Command, _ []string) error {
	registryPath, _ := cmd.Flags().GetString("registry")

	registry, err := stepflow.LoadRegistryFile(registryPath)
	if err != nil {
		return fmt.Errorf("registry invalid: %w", err)
	}

	fmt.Printf("registry %s (version %s) OK: %d step(s), entry step %q\n",
		registryPath, registry.Version, len(registry.Steps), registry.EntryStep)
	for stepID, step := range registry.Steps {
		if step.IsTerminal() {
			fmt.Printf("  %s: terminal\n", stepID)
			continue
		}
		intents := 0
		if step.StructuredGate != nil {
			intents = len(step.StructuredGate.AllowedIntents)
		}
		fmt.Printf("  %s: %d allowed intent(s)\n", stepID, intents)
	}
	return nil
}
