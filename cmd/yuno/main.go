package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/yuno/internal/bus"
	"github.com/stellarlinkco/yuno/internal/channel"
	"github.com/stellarlinkco/yuno/internal/config"
	"github.com/stellarlinkco/yuno/internal/cron"
	"github.com/stellarlinkco/yuno/internal/gateway"
	"github.com/stellarlinkco/yuno/internal/llm"
	"github.com/stellarlinkco/yuno/internal/logging"
	"github.com/stellarlinkco/yuno/internal/personality"
)

const cliUser = "cli"

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	Generator llm.Generator
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
}

var rootCmd = &cobra.Command{
	Use:           "yuno",
	Short:         "yuno - a family Discord companion",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to yuno from the terminal, one message or REPL mode",
	RunE:  runChat,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + cron + keep-alive server)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a default yuno_config.json",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show yuno status",
	RunE:  runStatus,
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled jobs (changes apply on the next gateway start)",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE:  runCronList,
}

var cronAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled prompt",
	Args:  cobra.NoArgs,
	RunE:  runCronAdd,
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronRemove,
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronToggle(true),
}

var cronDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronToggle(false),
}

var cronRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a job once now",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronRun,
}

var (
	configFlag  string
	messageFlag string

	cronNameFlag    string
	cronExprFlag    string
	cronEveryFlag   time.Duration
	cronAtFlag      string
	cronMessageFlag string
	cronDeliverFlag bool
	cronChannelFlag string
	cronToFlag      string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (default $YUNO_CONFIG, ./yuno_config.json or ~/.yuno/yuno_config.json)")
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")

	f := cronAddCmd.Flags()
	f.StringVar(&cronNameFlag, "name", "", "Job name")
	f.StringVar(&cronExprFlag, "cron", "", "Six-field cron expression, seconds first")
	f.DurationVar(&cronEveryFlag, "every", 0, "Fixed interval, e.g. 6h")
	f.StringVar(&cronAtFlag, "at", "", "Single run at an RFC 3339 time")
	f.StringVarP(&cronMessageFlag, "message", "m", "", "Prompt sent to the model")
	f.BoolVar(&cronDeliverFlag, "deliver", false, "Send the reply to --channel/--to")
	f.StringVar(&cronChannelFlag, "channel", "discord", "Delivery channel")
	f.StringVar(&cronToFlag, "to", "", "Delivery chat id")
	cronCmd.AddCommand(cronListCmd, cronAddCmd, cronRemoveCmd, cronEnableCmd, cronDisableCmd, cronRunCmd)

	rootCmd.AddCommand(chatCmd, gatewayCmd, onboardCmd, statusCmd, cronCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return config.ConfigPath()
}

// loadConfig reads the config and installs the logger it asks for.
func loadConfig(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(stderr, cfg.Log.Level, cfg.Log.Format)
	return cfg, logger, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(cmd.Context(), ChatOptions{})
}

// runChatWithOptions runs chat with injectable dependencies for testing
func runChatWithOptions(ctx context.Context, opts ChatOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	// The terminal is the only channel here.
	cfg.Channels.Discord.Enabled = false
	cfg.Channels.Telegram.Enabled = false

	gw, err := gateway.NewWithOptions(ctx, cfg, gateway.Options{
		Generator:  opts.Generator,
		ConfigPath: configPath(),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	prefix := cfg.Settings.CommandPrefix

	if messageFlag != "" {
		for _, reply := range handleLine(ctx, gw, prefix, messageFlag) {
			fmt.Fprintln(stdout, reply)
		}
		return nil
	}

	fmt.Fprintf(stdout, "%s chat (type 'exit' to quit)\n", cfg.Personality.Name)
	fmt.Fprintf(stdout, "Commands: %s\n", strings.Join(gw.CommandNames(), ", "))
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		replies := handleLine(ctx, gw, prefix, input)
		if len(replies) == 0 {
			fmt.Fprintf(stderr, "Unknown command: %s\n", input)
			continue
		}
		for _, reply := range replies {
			fmt.Fprintln(stdout, reply)
		}
	}
	return scanner.Err()
}

// handleLine answers one line of terminal input as the cli user.
func handleLine(ctx context.Context, gw *gateway.Gateway, prefix, text string) []string {
	msg := bus.InboundMessage{
		Channel:  cliUser,
		SenderID: cliUser,
		ChatID:   cliUser,
		Content:  text,
	}
	if name, args, ok := channel.ParseCommand(text, prefix); ok {
		msg.Command, msg.Args = name, args
		return gw.HandleCommand(ctx, msg)
	}
	return []string{gw.HandleMessage(ctx, msg)}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'yuno onboard' or set OPENROUTER_API_KEY")
	}

	gw, err := gateway.NewWithOptions(context.Background(), cfg, gateway.Options{
		ConfigPath: configPath(),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := configPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", path)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", path)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set the family tree and personality\n", path)
	fmt.Fprintln(out, "  2. Set DISCORD_TOKEN and OPENROUTER_API_KEY")
	fmt.Fprintln(out, "  3. Run 'yuno chat -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", configPath())
	fmt.Fprintf(out, "Name: %s\n", cfg.Personality.Name)
	fmt.Fprintf(out, "Model: %s (summaries: %s)\n", cfg.Settings.Model, cfg.Settings.SummaryModel)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Discord: enabled=%v\n", cfg.Channels.Discord.Enabled)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Storage: %s\n", cfg.Storage.Backend)
	fmt.Fprintf(out, "Memory: %d messages (parents %d, compress past %d)\n",
		cfg.Settings.MemoryLimit, cfg.Settings.ParentMemoryLimit, cfg.Settings.CompressionThreshold)

	if _, err := os.Stat(cfg.State.Path); err != nil {
		fmt.Fprintln(out, "State: not created yet")
		return nil
	}
	keeper, err := personality.Open(cfg.State.Path, personality.Seed(cfg), logging.Discard())
	if err != nil {
		fmt.Fprintf(out, "State: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "State: %s\n", cfg.State.Path)
	fmt.Fprintf(out, "Mood: %s\n", keeper.CurrentMood())
	fmt.Fprintf(out, "Interactions: %d\n", keeper.TotalInteractions())
	return nil
}

// openJobs returns the job store the gateway reads, loaded but not started.
func openJobs() (*cron.Service, error) {
	svc := cron.NewService(gateway.DefaultCronStorePath())
	svc.SetLogger(logging.Discard())
	if err := svc.Load(); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	return svc, nil
}

func runCronList(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	svc, err := openJobs()
	if err != nil {
		return err
	}
	jobs := svc.ListJobs()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs.")
		return nil
	}
	for _, j := range jobs {
		status := "enabled"
		if !j.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(out, "%s  %s  %s  %s", j.ID, j.Name, describeSchedule(j.Schedule), status)
		if j.State.LastStatus != "" {
			fmt.Fprintf(out, "  last=%s", j.State.LastStatus)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runCronAdd(cmd *cobra.Command, args []string) error {
	schedule, err := scheduleFromFlags()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cronMessageFlag) == "" {
		return fmt.Errorf("--message is required")
	}
	if cronDeliverFlag && cronToFlag == "" {
		return fmt.Errorf("--deliver needs --to")
	}
	name := cronNameFlag
	if name == "" {
		name = truncateName(cronMessageFlag)
	}

	svc, err := openJobs()
	if err != nil {
		return err
	}
	job, err := svc.AddJob(name, schedule, cron.Payload{
		Message: cronMessageFlag,
		Deliver: cronDeliverFlag,
		Channel: cronChannelFlag,
		To:      cronToFlag,
	})
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s)\n", job.ID, job.Name)
	return nil
}

// scheduleFromFlags accepts exactly one of --cron, --every and --at.
func scheduleFromFlags() (cron.Schedule, error) {
	var set []cron.Schedule
	if cronExprFlag != "" {
		set = append(set, cron.Schedule{Kind: cron.KindCron, Expr: cronExprFlag})
	}
	if cronEveryFlag != 0 {
		set = append(set, cron.Schedule{Kind: cron.KindEvery, EveryMs: cronEveryFlag.Milliseconds()})
	}
	if cronAtFlag != "" {
		at, err := time.Parse(time.RFC3339, cronAtFlag)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("parse --at: %w", err)
		}
		set = append(set, cron.Schedule{Kind: cron.KindAt, AtMs: at.UnixMilli()})
	}
	if len(set) != 1 {
		return cron.Schedule{}, fmt.Errorf("give exactly one of --cron, --every or --at")
	}
	return set[0], nil
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.KindCron:
		return "cron(" + s.Expr + ")"
	case cron.KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.KindAt:
		return "at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	}
	return s.Kind
}

func truncateName(msg string) string {
	r := []rune(strings.TrimSpace(msg))
	if len(r) > 30 {
		return string(r[:30])
	}
	return string(r)
}

func runCronRemove(cmd *cobra.Command, args []string) error {
	svc, err := openJobs()
	if err != nil {
		return err
	}
	if !svc.RemoveJob(args[0]) {
		return fmt.Errorf("job %s not found", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
	return nil
}

func runCronToggle(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		svc, err := openJobs()
		if err != nil {
			return err
		}
		job, err := svc.EnableJob(args[0], enabled)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		state := "Enabled"
		if !enabled {
			state = "Disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s job %s (%s)\n", state, job.ID, job.Name)
		return nil
	}
}

func runCronRun(cmd *cobra.Command, args []string) error {
	return runCronRunWithOptions(cmd.Context(), args[0], ChatOptions{Stdout: cmd.OutOrStdout()})
}

// runCronRunWithOptions fires one job through a gateway without channels.
func runCronRunWithOptions(ctx context.Context, id string, opts ChatOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	cfg.Channels.Discord.Enabled = false
	cfg.Channels.Telegram.Enabled = false

	gw, err := gateway.NewWithOptions(ctx, cfg, gateway.Options{
		Generator:  opts.Generator,
		ConfigPath: configPath(),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	job, ok, err := gw.RunJob(id)
	if err != nil {
		return fmt.Errorf("run job: %w", err)
	}
	if !ok {
		fmt.Fprintf(stdout, "Ran job %s (removed after run)\n", id)
		return nil
	}
	if job.State.LastStatus == "error" {
		return fmt.Errorf("job %s failed: %s", job.Name, job.State.LastError)
	}
	fmt.Fprintf(stdout, "Ran job %s (%s): %s\n", job.ID, job.Name, job.State.LastStatus)
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
