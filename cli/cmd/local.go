package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kiln/api/builder"
	"kiln/api/config"
	"kiln/api/hooks"
	"kiln/api/lock"
	"kiln/api/logging"
	"kiln/api/model"
	"kiln/api/pipeline"
	"kiln/api/runtime"
	"kiln/api/store"
	"kiln/api/tracing"
	"kiln/api/validate"
	"kiln/cli/style"
)

// Exit codes of a console deployment.
const (
	exitOK       = 0
	exitFailed   = 1
	exitLockBusy = -1
)

// errLogger marks a console logger that could not be set up.
var errLogger = errors.New("logger unavailable")

var (
	localLogFile   string
	localLogLevel  string
	localLockWait  time.Duration
	localSkipCheck bool
)

var localCmd = &cobra.Command{
	Use:   "local <appRoot> <wapTargets> [deployer]",
	Short: "Deploy the site repository on this machine and wait for the result",
	Long: `Runs one deployment of the repository under <appRoot>/site/repository
in this process, against the same locks and status store as the agent.

Exit status is 0 on success, 1 when the build or the logger fails, and -1
when another deployment holds the deployment lock.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runLocal,
}

func init() {
	localCmd.Flags().StringVar(&localLogFile, "log-file", "", "append the console log to this file instead of stderr")
	localCmd.Flags().StringVar(&localLogLevel, "log-level", os.Getenv("KILN_LOG_LEVEL"), "debug, info, warn or error")
	localCmd.Flags().DurationVar(&localLockWait, "lock-wait", pipeline.DefaultLockWait, "how long to wait for the deployment lock")
	localCmd.Flags().BoolVar(&localSkipCheck, "skip-validate", false, "deploy without checking the deployment settings first")
	rootCmd.AddCommand(localCmd)
}

type localOptions struct {
	AppRoot    string
	WapTargets string
	Deployer   string
	LogFile    string
	LogLevel   string
	LockWait   time.Duration
	Validate   bool
	Runner     runtime.Runner // nil uses the process runner
	Out        io.Writer
	Err        io.Writer
}

func runLocal(cmd *cobra.Command, args []string) error {
	opts := localOptions{
		AppRoot:    args[0],
		WapTargets: args[1],
		Deployer:   "local",
		LogFile:    localLogFile,
		LogLevel:   localLogLevel,
		LockWait:   localLockWait,
		Validate:   !localSkipCheck,
		Out:        cmd.OutOrStdout(),
		Err:        cmd.ErrOrStderr(),
	}
	if len(args) == 3 && args[2] != "" {
		opts.Deployer = args[2]
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sf, err := deployLocal(ctx, opts)
	printLocalResult(opts.Out, sf, err)
	if code := localExitCode(err); code != exitOK {
		return &exitError{code: code, err: err}
	}
	return nil
}

// localExitCode maps the outcome of a console deployment to its exit code.
func localExitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pipeline.ErrConflict), errors.Is(err, lock.ErrLockHeld):
		return exitLockBusy
	default:
		return exitFailed
	}
}

func localLogger(opts localOptions) (*slog.Logger, func(), error) {
	level := logging.ParseLevel(opts.LogLevel)
	if opts.LogFile == "" {
		w := opts.Err
		if w == nil {
			w = os.Stderr
		}
		return logging.New(logging.ModeText, w, level), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errLogger, err)
	}
	f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errLogger, err)
	}
	return logging.New(logging.ModeText, f, level), func() { f.Close() }, nil
}

// deployLocal runs one synchronous deployment of the site repository under
// opts.AppRoot.
func deployLocal(ctx context.Context, opts localOptions) (*model.StatusFile, error) {
	logger, closeLog, err := localLogger(opts)
	if err != nil {
		return nil, err
	}
	defer closeLog()

	layout := config.NewLayout(opts.AppRoot)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(os.Environ(), filepath.Join(layout.ConfigDir(), "settings.yaml"))
	if err != nil {
		return nil, err
	}
	if opts.WapTargets != "" {
		settings = settings.With(map[string]string{config.KeyWapTargets: opts.WapTargets})
	}

	runner := opts.Runner
	if runner == nil {
		runner = runtime.NewProcessRunner()
	}
	lockOpts := []lock.Option{lock.WithLogger(logger)}
	hookStore := hooks.NewManager(layout.HooksFile(), lock.New(layout.Locks(), lock.NameHooks, lockOpts...))
	factory := &builder.Factory{
		Settings: settings,
		Layout:   layout,
		Runner:   runner,
		Logger:   logger,
	}
	manager := &pipeline.Manager{
		Settings:     settings,
		Layout:       layout,
		Lock:         lock.New(layout.Locks(), lock.NameDeployment, lockOpts...),
		AutoSwapLock: lock.New(layout.Locks(), lock.NameAutoSwap, lockOpts...),
		Status: store.NewStatusManager(layout, lock.New(layout.Locks(), lock.NameStatus, lockOpts...), store.Options{
			Logger: logger,
		}),
		Builders: factory,
		Hooks:    hooks.NewPublisher(hookStore, logger),
		Swapper:  &pipeline.FileSwapper{Dir: layout.AutoSwap()},
		Tracer:   tracing.New(nil),
		Logger:   logger,
		LockWait: opts.LockWait,
	}

	info := &model.DeploymentInfo{
		RepositoryType:       model.RepositoryGit,
		Deployer:             opts.Deployer,
		DoFullBuildByDefault: true,
	}
	repoPath := settings.RepositoryPath(layout.Repository())
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
		info.RepositoryType = model.RepositoryFolder
	}

	if opts.Validate {
		result := (&validate.Validator{Builders: factory}).Validate(repoPath, info)
		for _, f := range result.Problems() {
			logger.Warn("deployment settings", "check", f.Check, "severity", f.Severity, "message", f.Message)
		}
		if !result.Valid() {
			return nil, fmt.Errorf("deployment settings have %d error(s)", result.Errors)
		}
	}

	repo, err := manager.SiteRepository(info)
	if err != nil {
		return nil, err
	}
	logger.Info("deploying", "root", opts.AppRoot, "repository", repoPath, "deployer", opts.Deployer)
	sf, err := manager.Deploy(ctx, repo, info)
	if sf != nil && opts.Out != nil {
		if entries, lerr := manager.Status.Log(sf.ID).Entries(); lerr == nil {
			for _, e := range entries {
				fmt.Fprintln(opts.Out, formatLogEntry(e.Time, string(e.Type), e.Message))
			}
		}
	}
	return sf, err
}

func printLocalResult(w io.Writer, sf *model.StatusFile, err error) {
	if w == nil {
		return
	}
	switch {
	case err == nil && sf != nil:
		fmt.Fprintln(w, style.SuccessBox.Render(fmt.Sprintf("✓ Deployment %s succeeded", shortID(sf.ID))))
	case localExitCode(err) == exitLockBusy:
		fmt.Fprintln(w, style.ErrorBox.Render("✗ Another deployment is in progress"))
	case err != nil:
		fmt.Fprintln(w, style.ErrorBox.Render("✗ Deployment failed: "+err.Error()))
	}
}
