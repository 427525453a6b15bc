package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/opsagent/internal/config"
	"github.com/stellarlinkco/opsagent/internal/controller"
	"github.com/stellarlinkco/opsagent/internal/engine"
	"github.com/stellarlinkco/opsagent/internal/notify"
	"github.com/stellarlinkco/opsagent/internal/policy"
	"github.com/stellarlinkco/opsagent/internal/schedule"
	"github.com/stellarlinkco/opsagent/internal/session"
	"github.com/stellarlinkco/opsagent/internal/stream"
	"github.com/stellarlinkco/opsagent/internal/syslog"
)

// EngineFactory creates the reasoning engine (allows mocking in tests).
type EngineFactory func(cfg *config.Config) (engine.Engine, error)

func defaultEngineFactory(cfg *config.Config) (engine.Engine, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'opsagent onboard' or set OPSAGENT_API_KEY / ANTHROPIC_API_KEY")
	}
	return engine.NewRuntime(cfg, syslog.SystemPrompt)
}

// app wires the orchestration core for one invocation.
type app struct {
	cfg      *config.Config
	eng      engine.Engine
	store    *session.Store
	sessions *session.Manager
	stream   *stream.Handler
	ctl      *controller.Controller
	stdout   io.Writer
}

func newApp(factory EngineFactory, stdout io.Writer) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if factory == nil {
		factory = defaultEngineFactory
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	eng, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	store, err := session.OpenStore(cfg.Session.DBPath)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	sessions := session.NewManager(store, session.Options{
		CheckpointEvery: cfg.Session.CheckpointEvery,
		CheckpointGap:   time.Duration(cfg.Session.CheckpointGapSec) * time.Second,
	})

	pol := policy.NewEngine(policy.Options{
		ScratchDir:    cfg.Policy.ScratchDir,
		BashPerMinute: cfg.Policy.BashPerMinute,
		ReadPerMinute: cfg.Policy.ReadPerMinute,
		AuditCap:      cfg.Policy.AuditCap,
	})

	handler := stream.NewHandler(stream.DefaultBufSize)
	handler.Subscribe(stream.ConsoleListener(stdout))

	if cfg.Notify.Telegram.Enabled {
		notifier, err := notify.NewTelegram(cfg.Notify.Telegram)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telegram disabled: %v\n", err)
		} else {
			handler.Subscribe(notify.Listener(notifier),
				stream.WithTypes(stream.UpdateResult, stream.UpdateError))
		}
	}

	return &app{
		cfg:      cfg,
		eng:      eng,
		store:    store,
		sessions: sessions,
		stream:   handler,
		ctl: controller.New(eng, pol, controller.Options{
			Sessions: sessions,
			Stream:   handler,
		}),
		stdout: stdout,
	}, nil
}

func (a *app) Close() {
	a.eng.Close()
	a.store.Close()
}

func (a *app) budget() policy.Budget {
	return policy.Budget{
		CostCeilingUSD: a.cfg.Budgets.CostCeilingUSD,
		MaxToolCalls:   a.cfg.Budgets.MaxToolCalls,
		MaxDuration:    time.Duration(a.cfg.Budgets.MaxDurationSec) * time.Second,
	}
}

// syslogTask builds the canonical analysis task from the configured log.
func (a *app) syslogTask() (controller.Task, error) {
	entries, err := syslog.Tail(a.cfg.Syslog.Path, a.cfg.Syslog.Tail)
	if err != nil {
		return controller.Task{}, err
	}
	if len(entries) == 0 {
		return controller.Task{}, fmt.Errorf("no parseable entries in %s", a.cfg.Syslog.Path)
	}
	fmt.Fprintf(a.stdout, "analyzing %d entries from %s\n", len(entries), a.cfg.Syslog.Path)
	return controller.Task{
		Instruction:  syslog.Instruction(entries),
		Type:         syslog.TaskType,
		AllowedTools: syslog.AllowedTools,
		Budget:       a.budget(),
	}, nil
}

func (a *app) execute(ctx context.Context, task controller.Task) error {
	record, err := a.ctl.Execute(ctx, task)
	if err != nil {
		fmt.Fprintf(a.stdout, "\nexecution %s %s: %s\n", record.ID, record.Status, record.Error)
		return err
	}
	fmt.Fprintf(a.stdout, "\n%s\n", record.Result)
	fmt.Fprintf(a.stdout, "\nexecution %s completed: %d actions, $%.4f, %s (session %s)\n",
		record.ID, len(record.Actions), record.CostUSD, record.Duration.Round(time.Millisecond), record.SessionID)
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "opsagent",
	Short: "opsagent - AI sysadmin agent for log analysis and server maintenance",
}

var (
	messageFlag  string
	resumeFlag   string
	syslogFlag   string
	tailFlag     int
	intervalFlag time.Duration
	maxAgeFlag   time.Duration
	specFlag     string
	nameFlag     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one analysis (syslog by default, or a custom instruction)",
	RunE:  runRun,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Analyze the syslog continuously at a fixed interval",
	RunE:  runMonitor,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled jobs and session retention until interrupted",
	RunE:  runServe,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled jobs",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add [instruction]",
	Short: "Add a job; empty instruction schedules a syslog analysis",
	RunE:  runScheduleAdd,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runScheduleList,
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRm,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session with its checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete sessions older than the retention window",
	RunE:  runSessionsCleanup,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show opsagent status",
	RunE:  runStatus,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

func init() {
	runCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Custom instruction instead of syslog analysis")
	runCmd.Flags().StringVar(&resumeFlag, "resume", "", "Resume from a stored session id")
	runCmd.Flags().StringVar(&syslogFlag, "syslog", "", "Syslog path override")
	runCmd.Flags().IntVar(&tailFlag, "tail", 0, "Number of log lines to analyze")
	monitorCmd.Flags().DurationVar(&intervalFlag, "interval", 30*time.Second, "Delay between analyses")
	monitorCmd.Flags().StringVar(&syslogFlag, "syslog", "", "Syslog path override")
	sessionsCleanupCmd.Flags().DurationVar(&maxAgeFlag, "max-age", 0, "Retention override (default from config)")
	scheduleAddCmd.Flags().StringVar(&specFlag, "spec", "@hourly", "Cron spec (seconds field supported)")
	scheduleAddCmd.Flags().StringVar(&nameFlag, "name", "", "Job name")

	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleRmCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsCleanupCmd)
	rootCmd.AddCommand(runCmd, monitorCmd, serveCmd, scheduleCmd, sessionsCmd, statusCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func applyOverrides(cfg *config.Config) {
	if syslogFlag != "" {
		cfg.Syslog.Path = syslogFlag
	}
	if tailFlag > 0 {
		cfg.Syslog.Tail = tailFlag
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	applyOverrides(a.cfg)

	ctx, stop := signalContext()
	defer stop()

	var task controller.Task
	if messageFlag != "" {
		task = controller.Task{
			Instruction: messageFlag,
			Type:        "adhoc",
			Budget:      a.budget(),
		}
	} else {
		task, err = a.syslogTask()
		if err != nil {
			return err
		}
	}
	task.ResumeSessionID = resumeFlag
	return a.execute(ctx, task)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	a, err := newApp(nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	applyOverrides(a.cfg)

	ctx, stop := signalContext()
	defer stop()

	fmt.Fprintf(a.stdout, "monitoring %s every %s (ctrl-c to stop)\n", a.cfg.Syslog.Path, intervalFlag)
	for {
		task, err := a.syslogTask()
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping cycle: %v\n", err)
		} else if err := a.execute(ctx, task); err != nil && ctx.Err() != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(a.stdout, "monitoring stopped")
			return nil
		case <-time.After(intervalFlag):
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	svc := schedule.NewService(a.cfg.Schedule.StorePath)
	svc.OnJob = func(job schedule.Job) (schedule.JobResult, error) {
		task := controller.Task{
			Instruction: job.Instruction,
			Type:        job.TaskType,
			Budget:      a.budget(),
		}
		if job.Instruction == "" {
			var err error
			if task, err = a.syslogTask(); err != nil {
				return schedule.JobResult{}, err
			}
		}
		record, err := a.ctl.Execute(ctx, task)
		result := schedule.JobResult{ExecutionID: record.ID, Summary: record.Result}
		return result, err
	}
	svc.Maintenance = func() error {
		removed, err := a.sessions.Cleanup(time.Duration(a.cfg.Session.RetentionHours) * time.Hour)
		if err == nil && removed > 0 {
			fmt.Fprintf(a.stdout, "retention removed %d sessions\n", removed)
		}
		return err
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	svc.Stop()
	return nil
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	instruction := strings.Join(args, " ")
	name := nameFlag
	taskType := "adhoc"
	if instruction == "" {
		taskType = syslog.TaskType
		if name == "" {
			name = "syslog-analysis"
		}
	}
	if name == "" {
		name = "job"
	}

	svc := schedule.NewService(cfg.Schedule.StorePath)
	job, err := svc.AddJob(name, specFlag, taskType, instruction)
	if err != nil {
		return err
	}
	fmt.Printf("added job %s (%s) %q\n", job.ID, job.Name, job.Spec)
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	svc := schedule.NewService(cfg.Schedule.StorePath)
	if err := svc.Start(context.Background()); err != nil {
		return err
	}
	defer svc.Stop()

	jobs := svc.ListJobs()
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, job := range jobs {
		state := "never run"
		if job.State.Runs > 0 {
			state = fmt.Sprintf("%s at %s", job.State.LastStatus, job.LastRunAt().Format(time.RFC3339))
		}
		fmt.Printf("%s  %-20s %-14q enabled=%v  %s\n", job.ID, job.Name, job.Spec, job.Enabled, state)
	}
	return nil
}

func runScheduleRm(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	svc := schedule.NewService(cfg.Schedule.StorePath)
	if err := svc.Start(context.Background()); err != nil {
		return err
	}
	defer svc.Stop()

	if !svc.RemoveJob(args[0]) {
		return fmt.Errorf("job %s not found", args[0])
	}
	fmt.Printf("removed job %s\n", args[0])
	return nil
}

func openSessions() (*session.Store, *session.Manager, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := session.OpenStore(cfg.Session.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session store: %w", err)
	}
	return store, session.NewManager(store, session.Options{}), cfg, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, mgr, _, err := openSessions()
	if err != nil {
		return err
	}
	defer store.Close()

	states, err := mgr.List()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, st := range states {
		fmt.Printf("%s  %-14s %3d events  %2d checkpoints  updated %s\n",
			st.ID, st.TaskType, len(st.Events), len(st.Checkpoints), st.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, mgr, _, err := openSessions()
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := mgr.Load(args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, mgr, _, err := openSessions()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := mgr.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted session %s\n", args[0])
	return nil
}

func runSessionsCleanup(cmd *cobra.Command, args []string) error {
	store, mgr, cfg, err := openSessions()
	if err != nil {
		return err
	}
	defer store.Close()

	maxAge := maxAgeFlag
	if maxAge <= 0 {
		maxAge = time.Duration(cfg.Session.RetentionHours) * time.Hour
	}
	removed, err := mgr.Cleanup(maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d sessions older than %s\n", removed, maxAge)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Syslog: %s (tail %d)\n", cfg.Syslog.Path, cfg.Syslog.Tail)
	fmt.Printf("Budget: $%.2f, %d tool calls, %ds\n",
		cfg.Budgets.CostCeilingUSD, cfg.Budgets.MaxToolCalls, cfg.Budgets.MaxDurationSec)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Notify.Telegram.Enabled)

	if store, err := session.OpenStore(cfg.Session.DBPath); err == nil {
		defer store.Close()
		if states, err := store.List(); err == nil {
			fmt.Printf("Sessions: %d stored\n", len(states))
		}
	} else {
		fmt.Println("Sessions: store unavailable")
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	for _, dir := range []string{cfg.Agent.Workspace, cfg.Policy.ScratchDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
	}

	fmt.Printf("Workspace ready: %s\n", cfg.Agent.Workspace)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set OPSAGENT_API_KEY environment variable")
	fmt.Println("  3. Run 'opsagent run' to analyze the syslog")
	return nil
}
