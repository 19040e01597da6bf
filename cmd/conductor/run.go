package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/api"
	"github.com/ShayCichocki/conductor/internal/budget"
	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/middleware"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/subagent"
	"github.com/ShayCichocki/conductor/internal/workflow"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	runBudget      int64
	runMaxParallel int
	runResume      string
	runCheckpoint  bool
	runAutoApprove bool
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Run a workflow",
	Long: `Run a workflow file against the Anthropic API.

Nodes start as soon as all of their dependencies have completed. Upstream
outputs are appended to each node's prompt. The run stops admitting new
nodes when the token budget's hard limit would be crossed, and throttles
them above the soft limit.

Control a running workflow from another terminal with
'conductor signal pause|resume|stop'. Press Ctrl+C once to stop after
in-flight nodes finish, twice to cancel them.

Budget precedence: --budget, then the workflow's budget, then budget.total
from config.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().Int64Var(&runBudget, "budget", 0, "Token budget for the run (0 = unlimited)")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Maximum nodes executing at once")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume a run from its latest checkpoint")
	runCmd.Flags().BoolVar(&runCheckpoint, "checkpoint", true, "Save a checkpoint after every completed node")
	runCmd.Flags().BoolVar(&runAutoApprove, "yes", false, "Approve every gated tool call without prompting")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.RequireCredentials(cfg); err != nil {
		return err
	}

	wf, g, err := workflow.Compile(args[0])
	if err != nil {
		return err
	}

	repoPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	db, err := openStateDB(cfg, repoPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID := uuid.NewString()
	var cp *orchestrator.Checkpoint
	if runResume != "" {
		cp, err = loadResumePoint(ctx, db, runResume)
		if err != nil {
			return err
		}
		runID = cp.RunID
	}

	budgetCfg := resolveBudget(cfg, wf, runBudget, cmd.Flags().Changed("budget"))
	bc := budget.New(budgetCfg)
	watchBudgetLimits(bc)

	logger := newRunLogger(cfg, repoPath)
	defer logger.Close()

	client, err := api.NewClient(api.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.Region,
		// Retries are handled by the retry middleware.
		NoRetries: cfg.Middleware.RetryAttempts > 0,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	toolbox := api.NewToolbox(repoPath)
	executor := api.NewExecutor(client,
		api.WithTools(toolbox),
		api.WithMaxTokens(cfg.Anthropic.MaxTokens),
	)

	approver := middleware.NewChannelApprover()
	chain, err := buildChain(cfg, db, logger, approverFor(approver, runAutoApprove))
	if err != nil {
		return err
	}
	go promptApprovals(ctx, approver, os.Stdin, os.Stdout)

	registry := subagent.New(chain.Wrap(executor),
		subagent.WithBudget(bc),
		subagent.WithHistory(db),
		subagent.WithRunID(runID),
		subagent.WithToolInvoker(toolbox.Invoke),
		subagent.WithMaxConcurrent(cfg.Scheduler.MaxConcurrent),
		subagent.WithMaxDepth(cfg.Scheduler.MaxDepth),
		subagent.WithDefaultTimeout(cfg.Scheduler.Timeout),
	)
	defer registry.Close()

	opts := []orchestrator.Option{
		orchestrator.WithBudget(bc),
		orchestrator.WithChain(chain),
		orchestrator.WithRegistry(registry),
		orchestrator.WithMaxParallel(resolveMaxParallel(cfg, wf, runMaxParallel)),
		orchestrator.WithMaxDepth(cfg.Scheduler.MaxDepth),
		orchestrator.WithNodeTimeout(cfg.Orchestrator.NodeTimeout),
		orchestrator.WithLogger(logger),
		orchestrator.WithRunID(runID),
		orchestrator.WithEventBuffer(cfg.Orchestrator.EventBuffer),
		orchestrator.WithToolInvoker(toolbox.Invoke),
	}
	if runCheckpoint && cfg.Orchestrator.Checkpoint {
		opts = append(opts, orchestrator.WithCheckpointer(db))
	}
	orch := orchestrator.New(orchestrator.RequiredConfig{Graph: g, Executor: executor}, opts...)

	watcher, err := orchestrator.NewSignalWatcher(orchestrator.SignalDir(repoPath), orch.PauseController())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: signal files disabled: %v\n", err)
	} else {
		defer watcher.Close()
	}

	// First interrupt drains in-flight nodes, the second cancels them.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		fmt.Println("\nReceived interrupt, finishing in-flight nodes (Ctrl+C again to cancel)...")
		orch.Stop()
		if _, ok := <-sigCh; ok {
			fmt.Println("\nCancelling...")
			cancel()
		}
	}()

	record := &state.Run{
		ID:          runID,
		Workflow:    wf.Name,
		Status:      state.RunRunning,
		TokenBudget: budgetCfg.Total,
		NodesTotal:  g.Len(),
		StartedAt:   time.Now(),
	}
	if err := saveRunRecord(db, record, cp != nil); err != nil {
		return err
	}

	fmt.Printf("%s %s (%d nodes, run %s)\n", color.New(color.Bold).Sprint("Running"), wf.Name, g.Len(), shortID(runID))

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for ev := range orch.Events() {
			printEvent(os.Stdout, ev)
		}
	}()

	var result *orchestrator.RunResult
	var runErr error
	if cp != nil {
		result, runErr = orch.Resume(ctx, *cp)
	} else {
		result, runErr = orch.Run(ctx)
	}
	orch.Close()
	<-eventsDone

	finishRunRecord(record, result, runErr)
	if err := db.UpdateRun(record); err != nil {
		log.Printf("[run] failed to update run record: %v", err)
	}
	housekeeping(db, cfg, runID)

	if result != nil {
		fmt.Println()
		fmt.Println(renderSummary(result, g.TopologicalOrder(), bc.Stats(), client.Tracker().Cost()))
	}
	if runErr != nil && record.Status != state.RunCompleted {
		fmt.Printf("\nResume with: conductor run %s --resume %s\n", args[0], runID)
	}
	return runErr
}

// openStateDB opens and migrates the project database, or the one named
// by state.path.
func openStateDB(cfg *config.Config, repoPath string) (*state.DB, error) {
	path := state.ProjectDBPath(repoPath)
	if cfg.State.Path != "" {
		path = cfg.State.Path
	}
	db, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// loadResumePoint returns the latest checkpoint of an unfinished run,
// named by id or unique prefix.
func loadResumePoint(ctx context.Context, db *state.DB, idOrPrefix string) (*orchestrator.Checkpoint, error) {
	run, err := findRun(db, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if run.Status == state.RunCompleted {
		return nil, fmt.Errorf("run %s already completed", run.ID)
	}
	cp, err := db.LoadCheckpoint(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("run %s has no checkpoint to resume from", run.ID)
	}
	cp.RunID = run.ID
	return cp, nil
}

// resolveBudget applies the --budget flag or the workflow's budget over
// the configured total.
func resolveBudget(cfg *config.Config, wf *workflow.File, flag int64, flagSet bool) budget.Config {
	bc := cfg.BudgetControllerConfig()
	switch {
	case flagSet:
		bc.Total = flag
	case wf.Budget > 0:
		bc.Total = wf.Budget
	}
	return bc
}

func resolveMaxParallel(cfg *config.Config, wf *workflow.File, flag int) int {
	switch {
	case flag > 0:
		return flag
	case wf.MaxParallel > 0:
		return wf.MaxParallel
	default:
		return cfg.Orchestrator.MaxParallel
	}
}

// watchBudgetLimits applies edits to the project config's budget ratios
// to the running controller.
func watchBudgetLimits(bc *budget.Controller) {
	path := configPath
	if path == "" {
		path = config.GetProjectConfigPath()
	}
	if path == "" {
		return
	}
	_, err := config.Watch(path, func(cfg *config.Config, err error) {
		if err != nil {
			log.Printf("[config] %v", err)
			return
		}
		bc.SetLimits(cfg.Budget.SoftLimitRatio, cfg.Budget.HardLimitRatio, cfg.Budget.MaxThrottle)
		log.Printf("[config] budget limits reloaded: soft=%.2f hard=%.2f", cfg.Budget.SoftLimitRatio, cfg.Budget.HardLimitRatio)
	})
	if err != nil {
		log.Printf("[config] not watching %s: %v", path, err)
	}
}

func newRunLogger(cfg *config.Config, repoPath string) *orchestrator.DebugLogger {
	if !cfg.Logging.Debug {
		return orchestrator.NopLogger()
	}
	if cfg.Logging.File == "" {
		return orchestrator.NewDebugLoggerForDir(repoPath)
	}
	logger, err := orchestrator.NewDebugLogger(cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: debug log disabled: %v\n", err)
		return orchestrator.NopLogger()
	}
	return logger
}

// buildChain assembles the middleware enabled in cfg.
func buildChain(cfg *config.Config, sink middleware.AuditSink, logger *orchestrator.DebugLogger, approver middleware.Approver) (*middleware.Chain, error) {
	var mws []middleware.Middleware
	if cfg.Middleware.Logging {
		mws = append(mws, middleware.NewLogging(logger.Log))
	}
	if cfg.Middleware.Audit && sink != nil {
		mws = append(mws, middleware.NewAudit(sink))
	}
	if len(cfg.Middleware.ApprovalTools) > 0 {
		mws = append(mws, middleware.NewApproval(approver, cfg.Middleware.ApprovalTools...))
	}
	if cfg.Middleware.CacheTTL > 0 {
		mws = append(mws, middleware.NewCache(cfg.Middleware.CacheTTL))
	}
	if cfg.Middleware.RetryAttempts > 0 {
		mws = append(mws, middleware.NewRetry(cfg.Middleware.RetryAttempts, cfg.Middleware.RetryBackoff))
	}

	chain, err := middleware.NewChain(mws...)
	if err != nil {
		return nil, fmt.Errorf("build middleware chain: %w", err)
	}
	chain.SetMaxAttempts(cfg.Middleware.MaxAttempts)
	return chain, nil
}

func approverFor(ca *middleware.ChannelApprover, auto bool) middleware.Approver {
	if auto {
		return middleware.AutoApprove
	}
	return ca
}

func saveRunRecord(db *state.DB, r *state.Run, resumed bool) error {
	if !resumed {
		return db.CreateRun(r)
	}
	existing, err := db.GetRun(r.ID)
	if err != nil {
		return err
	}
	r.StartedAt = existing.StartedAt
	return db.UpdateRun(r)
}

// finishRunRecord fills in the terminal fields of r from a run's outcome.
func finishRunRecord(r *state.Run, res *orchestrator.RunResult, runErr error) {
	r.EndedAt = time.Now()
	r.Status = finalStatus(runErr)
	if runErr != nil {
		r.Error = runErr.Error()
	} else {
		r.Error = ""
	}
	if res != nil {
		r.TokensUsed = res.Usage.Total()
		r.NodesDone = res.Count(models.NodeStatusDone)
	}
}

func finalStatus(runErr error) state.RunStatus {
	switch {
	case runErr == nil:
		return state.RunCompleted
	case errors.Is(runErr, orchestrator.ErrStopped), errors.Is(runErr, context.Canceled):
		return state.RunStopped
	default:
		return state.RunFailed
	}
}

// housekeeping trims checkpoint history and purges expired runs. Failures
// are logged only.
func housekeeping(db *state.DB, cfg *config.Config, runID string) {
	ctx := context.Background()
	if cfg.State.KeepCheckpoints > 0 {
		if _, err := db.PruneCheckpoints(ctx, runID, cfg.State.KeepCheckpoints); err != nil {
			log.Printf("[state] prune checkpoints: %v", err)
		}
	}
	if cfg.State.Retention > 0 {
		if n, err := db.PurgeOldRuns(cfg.State.Retention); err != nil {
			log.Printf("[state] purge old runs: %v", err)
		} else if n > 0 {
			log.Printf("[state] purged %d runs older than %s", n, cfg.State.Retention)
		}
	}
}
