// Package main provides the vibetap CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vibetap/internal/config"
	"vibetap/internal/gitio"
	"vibetap/internal/hook"
	"vibetap/internal/hush"
	"vibetap/internal/lifecycle"
	"vibetap/internal/logging"
	"vibetap/internal/remote"
	"vibetap/internal/render"
	"vibetap/internal/suggest"
)

// Version is the current vibetap CLI version
var Version = "0.3.0"

var logger = zap.NewNop()

var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool
	logJSONFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "vibetap",
	Short: "Vibetap - test suggestions for your staged changes",
	Long: `Vibetap watches what you stage, asks the vibetap service for tests that
cover the change, and lets you apply, revert or hush each suggestion.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(logging.Options{Verbose: verboseFlag, Quiet: quietFlag, JSON: logJSONFlag})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Command groups for organized help output
const (
	groupStart   = "start"
	groupSuggest = "suggest"
	groupSetup   = "setup"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default project config in .vibetap/",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var nowCmd = &cobra.Command{
	Use:   "now",
	Short: "Suggest tests for the staged change set",
	Long: `Fingerprints the staged changes, reuses the cached suggestions for an
identical change set, and otherwise asks the service for new ones.

Examples:
  vibetap now                      # staged changes
  vibetap now --uncommitted        # everything not yet committed
  vibetap now --file login.ts      # one changed file only
  vibetap now --quiet              # hook mode: exit 1 on HIGH findings`,
	Args: cobra.NoArgs,
	RunE: runNow,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-run suggestions whenever the staged change set settles",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var applyCmd = &cobra.Command{
	Use:   "apply <id>|all",
	Short: "Write a suggested test into the working tree",
	Long: `Applies a suggestion. <id> is an ordinal of the latest batch ("2") or a
full batch/ordinal key ("14/2"). "all" applies every open suggestion of the
latest batch; a failure does not stop the others.`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

var revertCmd = &cobra.Command{
	Use:   "revert [id]",
	Short: "Undo an applied suggestion (the most recent by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRevert,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a suggestion and its code",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"status"},
	Short:   "List suggestions of the latest batch",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var hushCmd = &cobra.Command{
	Use:   "hush [path-or-glob]",
	Short: "Stop suggesting tests for matching paths",
	Long: `Hushes a path or glob.

  vibetap hush src/legacy/**                    # until removed
  vibetap hush src/auth/login.ts --scope current  # until the file changes again
  vibetap hush "*.snap" --for 2h                # for two hours
  vibetap hush --list
  vibetap hush --remove src/legacy/**`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHush,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the applied tests with the configured test runner",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the vibetap API key",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API key in the global config",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored API key",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured account and its usage",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Manage the git pre-commit hook",
}

var hookInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Run vibetap before every commit",
	Args:  cobra.NoArgs,
	RunE:  runHookInstall,
}

var hookUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the vibetap section from the pre-commit hook",
	Args:  cobra.NoArgs,
	RunE:  runHookUninstall,
}

var hookStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the hook is installed",
	Args:  cobra.NoArgs,
	RunE:  runHookStatus,
}

// Flag values
var (
	nowStaged         bool
	nowUncommitted    bool
	nowSecurity       bool
	nowMaxSuggestions int
	nowTestRunner     string
	nowFile           string
	nowRefresh        bool

	watchDebounce  time.Duration
	watchPoll      time.Duration
	watchForcePoll bool

	revertAll bool
	listAll   bool

	hushScope  string
	hushFor    string
	hushList   bool
	hushRemove string

	runAll bool

	authKey string
	authURL string

	hookBlock        bool
	hookSecurityOnly bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log debug output to stderr")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Print only high-priority findings; exit 1 when there are any")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVar(&logJSONFlag, "log-json", false, "Write logs as JSON")

	nowCmd.Flags().BoolVar(&nowStaged, "staged", true, "Analyze the staged changes (default)")
	nowCmd.Flags().BoolVar(&nowUncommitted, "uncommitted", false, "Analyze all uncommitted changes, staged or not")
	nowCmd.Flags().BoolVar(&nowSecurity, "security", false, "Ask for security tests; only they count as findings")
	nowCmd.Flags().IntVar(&nowMaxSuggestions, "max-suggestions", 0, "Override generation.maxSuggestions")
	nowCmd.Flags().StringVar(&nowTestRunner, "test-runner", "", "Override testRunner")
	nowCmd.Flags().StringVar(&nowFile, "file", "", "Restrict to one changed file (exact path or suffix)")
	nowCmd.Flags().BoolVar(&nowRefresh, "refresh", false, "Ignore cached suggestions and query again")

	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "Quiet period before a cycle (default watchMode.debounceMs)")
	watchCmd.Flags().DurationVar(&watchPoll, "poll", 0, "Polling interval when file events are unavailable (default watchMode.pollMs)")
	watchCmd.Flags().BoolVar(&watchForcePoll, "force-poll", false, "Poll instead of using file events")
	watchCmd.Flags().BoolVar(&nowUncommitted, "uncommitted", false, "Analyze all uncommitted changes, staged or not")
	watchCmd.Flags().BoolVar(&nowSecurity, "security", false, "Ask for security tests")

	revertCmd.Flags().BoolVar(&revertAll, "all", false, "Revert every applied suggestion, newest first")
	listCmd.Flags().BoolVar(&listAll, "all", false, "List suggestions of every batch")

	hushCmd.Flags().StringVar(&hushScope, "scope", "persistent", "current (until the path changes) or persistent")
	hushCmd.Flags().StringVar(&hushFor, "for", "", "Expire after a duration such as 30m or 2h")
	hushCmd.Flags().BoolVar(&hushList, "list", false, "List hushed patterns")
	hushCmd.Flags().StringVar(&hushRemove, "remove", "", "Remove a hushed pattern")

	runCmd.Flags().BoolVar(&runAll, "all", false, "Run the whole suite")

	authLoginCmd.Flags().StringVar(&authKey, "key", "", "API key")
	authLoginCmd.Flags().StringVar(&authURL, "url", "", "API base URL (default "+config.DefaultAPIURL+")")
	authLoginCmd.MarkFlagRequired("key")

	hookInstallCmd.Flags().BoolVar(&hookBlock, "block", false, "Abort the commit on high-priority findings")
	hookInstallCmd.Flags().BoolVar(&hookSecurityOnly, "security-only", false, "Only ask for security tests")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupStart, Title: "Getting Started:"},
		&cobra.Group{ID: groupSuggest, Title: "Suggestions:"},
		&cobra.Group{ID: groupSetup, Title: "Setup:"},
	)

	initCmd.GroupID = groupStart
	nowCmd.GroupID = groupStart
	watchCmd.GroupID = groupStart
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(nowCmd)
	rootCmd.AddCommand(watchCmd)

	for _, c := range []*cobra.Command{applyCmd, revertCmd, showCmd, listCmd, hushCmd, runCmd} {
		c.GroupID = groupSuggest
		rootCmd.AddCommand(c)
	}

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	hookCmd.AddCommand(hookInstallCmd)
	hookCmd.AddCommand(hookUninstallCmd)
	hookCmd.AddCommand(hookStatusCmd)
	authCmd.GroupID = groupSetup
	hookCmd.GroupID = groupSetup
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(hookCmd)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil && !errors.Is(err, lifecycle.ErrHighPriority) {
		render.New(os.Stderr, outputFormat()).Error(err)
	}
	os.Exit(lifecycle.ExitCode(err))
}

func outputFormat() render.Format {
	if jsonFlag {
		return render.FormatJSON
	}
	return render.FormatDefault
}

func printer(cmd *cobra.Command) *render.Printer {
	return render.New(cmd.OutOrStdout(), outputFormat())
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openRepo opens the repository around the working directory and loads its
// configuration.
func openRepo() (*gitio.Repository, *config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}
	repo, err := gitio.Open(wd)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(repo.Root())
	if err != nil {
		return nil, nil, err
	}
	return repo, cfg, nil
}

func newAnalyzer(cfg *config.Config) remote.Analyzer {
	if cfg.Global.APIKey == "" {
		return nil
	}
	return remote.NewClient(cfg.APIURL(), cfg.Global.APIKey, cfg.Timeout(), logger)
}

func openAgent(cmd *cobra.Command) (*lifecycle.Agent, error) {
	repo, cfg, err := openRepo()
	if err != nil {
		return nil, err
	}
	return lifecycle.Open(commandContext(cmd), repo, cfg, newAnalyzer(cfg), logger)
}

func nowOptions() lifecycle.NowOptions {
	return lifecycle.NowOptions{
		Uncommitted:    nowUncommitted,
		File:           nowFile,
		Refresh:        nowRefresh,
		Security:       nowSecurity,
		MaxSuggestions: nowMaxSuggestions,
		TestRunner:     nowTestRunner,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	root := wd
	if repo, err := gitio.Open(wd); err == nil {
		root = repo.Root()
	}

	path, err := config.Init(root)
	if errors.Is(err, config.ErrExists) {
		fmt.Fprintf(cmd.OutOrStdout(), "Already initialized: %s\n", path)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Next: `vibetap auth login --key <key>`, stage a change, then `vibetap now`.")
	return nil
}

func runNow(cmd *cobra.Command, args []string) error {
	if nowUncommitted && cmd.Flags().Changed("staged") {
		return fmt.Errorf("--staged and --uncommitted are mutually exclusive")
	}
	agent, err := openAgent(cmd)
	if err != nil {
		return err
	}
	defer agent.Close()

	res, err := agent.Now(commandContext(cmd), nowOptions())
	if err != nil {
		return err
	}
	if quietFlag {
		high := res.HighPriority()
		if len(high) == 0 {
			return nil
		}
		// Hooks show stderr; stdout stays clean.
		render.New(cmd.ErrOrStderr(), outputFormat()).Now(res, true)
		return lifecycle.ErrHighPriority
	}
	return printer(cmd).Now(res, false)
}

func runWatch(cmd *cobra.Command, args []string) error {
	agent, err := openAgent(cmd)
	if err != nil {
		return err
	}
	defer agent.Close()

	if !agent.Project().WatchMode.Enabled {
		logger.Warn("watchMode.enabled is false in the project config; watching anyway")
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := printer(cmd)
	fmt.Fprintln(cmd.ErrOrStderr(), "Watching for staged changes. Press Ctrl-C to stop.")
	return agent.Watch(ctx, lifecycle.WatchOptions{
		Now:       nowOptions(),
		Debounce:  watchDebounce,
		Poll:      watchPoll,
		ForcePoll: watchForcePoll,
		OnCycle: func(c lifecycle.Cycle) {
			if err := p.Cycle(c); err != nil {
				logger.Warn("rendering cycle", zap.Error(err))
			}
		},
	})
}

func runApply(cmd *cobra.Command, args []string) error {
	agent, err := openAgent(cmd)
	if err != nil {
		return err
	}
	defer agent.Close()
	ctx := commandContext(cmd)

	if args[0] == "all" {
		results, err := agent.ApplyAll(ctx)
		if perr := printer(cmd).Results("applied", results); perr != nil {
			return perr
		}
		return err
	}

	key, err := agent.ResolveKey(ctx, args[0])
	if err != nil {
		return err
	}
	rec, err := agent.Apply(ctx, key)
	if err != nil {
		return err
	}
	return printer(cmd).Applied(rec)
}

func runRevert(cmd *cobra.Command, args []string) error {
	agent, err := openAgent(cmd)
	if err != nil {
		return err
	}
	defer agent.Close()
	ctx := commandContext(cmd)

	if revertAll {
		if len(args) > 0 {
			return fmt.Errorf("--all takes no id")
		}
		results, err := agent.RevertAll(ctx)
		if perr := printer(cmd).Results("reverted", results); perr != nil {
			return perr
		}
		return err
	}

	var key *suggest.Key
	if len(args) == 1 {
		k, err := agent.ResolveKey(ctx, args[0])
		if err != nil {
			return err
		}
		key = &k
	}
	rec, err := agent.Revert(ctx, key)
	if err != nil {
		return err
	}
	return printer(cmd).Reverted(rec)
}

func runShow(cmd *cobra.Command, args []string) error {
	agent, err := openAgent(cmd)
	if err != nil {
		return err
	}
	defer agent.Close()
	ctx := commandContext(cmd)

	key, err := agent.ResolveKey(ctx, args[0])
	if err != nil {
		return err
	}
	sg, err := agent.Store().Get(ctx, key)
	if err != nil {
		return err
	}
	return printer(cmd).Show(sg)
}

func runList(cmd *cobra.Command, args []string) error {
	agent, err := openAgent(cmd)
	if err != nil {
		return err
	}
	defer agent.Close()
	ctx := commandContext(cmd)

	var f suggest.Filter
	if !listAll {
		batch, err := agent.Store().LatestBatch(ctx)
		if errors.Is(err, suggest.ErrNotFound) {
			return printer(cmd).List(nil)
		}
		if err != nil {
			return err
		}
		f.Batch = batch.ID
	}
	sgs, err := agent.Store().List(ctx, f)
	if err != nil {
		return err
	}
	return printer(cmd).List(sgs)
}

func runHush(cmd *cobra.Command, args []string) error {
	agent, err := openAgent(cmd)
	if err != nil {
		return err
	}
	defer agent.Close()
	ctx := commandContext(cmd)

	switch {
	case hushList:
		entries, err := agent.Hushed(ctx)
		if err != nil {
			return err
		}
		return printer(cmd).Hushed(entries)
	case hushRemove != "":
		if err := agent.Unhush(ctx, hushRemove); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", hushRemove)
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("hush needs a path or glob (or --list / --remove)")
	}
	scope, err := hush.ParseScope(hushScope)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if hushFor != "" {
		if ttl, err = hush.ParseDuration(hushFor); err != nil {
			return err
		}
	}
	res, err := agent.Hush(ctx, args[0], scope, ttl)
	if err != nil {
		return err
	}
	return printer(cmd).Hush(res)
}

func runRun(cmd *cobra.Command, args []string) error {
	agent, err := openAgent(cmd)
	if err != nil {
		return err
	}
	defer agent.Close()

	argv, err := agent.Run(commandContext(cmd), lifecycle.RunOptions{
		All:    runAll,
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	logger.Debug("tests passed", zap.Strings("command", argv))
	return nil
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	path, err := config.GlobalPath()
	if err != nil {
		return err
	}
	g, err := config.LoadGlobal(path)
	if err != nil {
		return err
	}
	g.APIKey = authKey
	if authURL != "" {
		g.APIURL = authURL
	}
	if err := config.SaveGlobal(path, g); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved API key to %s\n", path)
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	path, err := config.GlobalPath()
	if err != nil {
		return err
	}
	g, err := config.LoadGlobal(path)
	if err != nil {
		return err
	}
	if g.APIKey == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
		return nil
	}
	g.APIKey = ""
	if err := config.SaveGlobal(path, g); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.Load(wd)
	if err != nil {
		return err
	}
	if cfg.Global.APIKey == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Not logged in. Run `vibetap auth login --key <key>`.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s (key %s)\n", cfg.APIURL(), maskKey(cfg.Global.APIKey))

	client := remote.NewClient(cfg.APIURL(), cfg.Global.APIKey, cfg.Timeout(), logger)
	usage, err := client.Usage(commandContext(cmd))
	if err != nil {
		return err
	}
	return printer(cmd).Usage(usage)
}

// maskKey keeps the last four characters of an API key.
func maskKey(k string) string {
	if len(k) <= 4 {
		return "****"
	}
	return "****" + k[len(k)-4:]
}

func runHookInstall(cmd *cobra.Command, args []string) error {
	repo, err := openGit()
	if err != nil {
		return err
	}
	path, err := hook.Install(repo.GitDir(), hook.Options{Block: hookBlock, SecurityOnly: hookSecurityOnly})
	if err != nil {
		return err
	}
	mode := "advisory"
	if hookBlock {
		mode = "blocking"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installed %s pre-commit hook at %s\n", mode, path)
	return nil
}

func runHookUninstall(cmd *cobra.Command, args []string) error {
	repo, err := openGit()
	if err != nil {
		return err
	}
	removed, err := hook.Uninstall(repo.GitDir())
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", hook.Path(repo.GitDir()))
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Removed the vibetap section; other hook commands were kept")
	}
	return nil
}

func runHookStatus(cmd *cobra.Command, args []string) error {
	repo, err := openGit()
	if err != nil {
		return err
	}
	st, err := hook.Inspect(repo.GitDir())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !st.Installed {
		fmt.Fprintln(out, "Hook not installed. Run `vibetap hook install`.")
		return nil
	}
	fmt.Fprintf(out, "Installed at %s\n", st.Path)
	fmt.Fprintf(out, "  blocking:      %v\n", st.Options.Block)
	fmt.Fprintf(out, "  security only: %v\n", st.Options.SecurityOnly)
	if st.Foreign {
		fmt.Fprintln(out, "  shares the file with other hook commands")
	}
	return nil
}

func openGit() (*gitio.Repository, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return gitio.Open(wd)
}
