package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"botctl/internal/api"
	"botctl/internal/config"
	"botctl/internal/console"
	"botctl/internal/handlers"
	"botctl/internal/health"
	"botctl/internal/history"
	"botctl/internal/logger"
	"botctl/internal/models"
	"botctl/internal/service"
)

// errUsage makes main exit 1 after usage has already been printed.
var errUsage = errors.New("usage")

type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	sup     *service.Supervisor
	history *history.Store
	out     *console.Printer
}

// historyUse says when a command opens the history database.
type historyUse int

const (
	historyNone historyUse = iota
	historyAlways
	// historyWhenReady skips history until setup has run, so a start that
	// is bound to fail leaves no files behind
	historyWhenReady
)

func newApp(cmd *cobra.Command, configPath string, use historyUse) (*app, error) {
	if err := config.LoadEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, errors.Wrap(err, "init logger")
	}

	a := &app{cfg: cfg, log: log, out: console.New(cmd.OutOrStdout())}

	a.sup = service.New(cfg, log)
	if use == historyNone || (use == historyWhenReady && !a.sup.EnvReady()) {
		return a, nil
	}

	if err := os.MkdirAll(cfg.Bot.LogDir, 0o755); err != nil {
		log.WithError(err).Warn("History disabled")
		return a, nil
	}
	store, err := history.Open(cfg.Bot.HistoryDB())
	if err != nil {
		log.WithError(err).Warn("History disabled")
		return a, nil
	}
	a.history = store
	a.sup = service.New(cfg, log, service.WithRecorder(store))
	return a, nil
}

func (a *app) Close() {
	if a.history != nil {
		a.history.Close()
	}
}

// historyReader avoids handing the router a typed nil.
func (a *app) historyReader() handlers.HistoryReader {
	if a.history == nil {
		return nil
	}
	return a.history
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "botctl",
		Short: "Supervise the trading bot process",
		Long: `botctl prepares the bot's virtual environment and starts, stops,
restarts and reports on a single detached bot process. The bot's output is
written to a new timestamped file under the log directory on every start.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		// unmatched subcommand names land here as args
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				console.New(cmd.ErrOrStderr()).Error("Unknown command %q", args[0])
			}
			_ = cmd.Usage()
			return errUsage
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "botctl.yaml", "supervisor config file path")

	root.SetHelpCommand(&cobra.Command{
		Use:   "help [command]",
		Short: "Show usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := root
			if found, _, err := root.Find(args); err == nil {
				target = found
			}
			_ = target.Usage()
			return errUsage
		},
	})

	withApp := func(use historyUse, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, configPath, use)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(cmd, a, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "setup",
			Short: "Create the virtual environment, install dependencies, seed config",
			Args:  cobra.NoArgs,
			RunE:  withApp(historyNone, runSetup),
		},
		&cobra.Command{
			Use:   "start [mode] [telegram]",
			Short: "Start the bot (mode defaults to paper, telegram to false)",
			Args:  cobra.MaximumNArgs(2),
			RunE:  withApp(historyWhenReady, runStart),
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the bot",
			Args:  cobra.NoArgs,
			RunE:  withApp(historyAlways, runStop),
		},
		&cobra.Command{
			Use:   "restart [mode] [telegram]",
			Short: "Stop the bot, then start it again",
			Args:  cobra.MaximumNArgs(2),
			RunE:  withApp(historyWhenReady, runRestart),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether the bot is running",
			Args:  cobra.NoArgs,
			RunE:  withApp(historyNone, runStatus),
		},
		newHealthCmd(withApp),
		newHistoryCmd(withApp),
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP control API",
			Args:  cobra.NoArgs,
			RunE:  withApp(historyAlways, runServe),
		},
	)
	return root
}

type appRunner func(use historyUse, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error

// parseStartArgs maps the positional [mode] [telegram] arguments. The mode
// is passed to the bot unvalidated.
func parseStartArgs(args []string) (service.StartOptions, error) {
	opts := service.StartOptions{Mode: service.DefaultMode}
	if len(args) > 0 && args[0] != "" {
		opts.Mode = args[0]
	}
	if len(args) > 1 {
		b, err := strconv.ParseBool(args[1])
		if err != nil {
			return opts, errors.Errorf("telegram must be true or false, got %q", args[1])
		}
		opts.Telegram = b
	}
	return opts, nil
}

func runSetup(cmd *cobra.Command, a *app, args []string) error {
	a.out.Info("Setting up runtime environment in %s", a.cfg.Bot.VenvDir)
	if err := a.sup.Setup(cmd.Context()); err != nil {
		return err
	}
	a.out.Success("Setup complete")
	return nil
}

func runStart(cmd *cobra.Command, a *app, args []string) error {
	opts, err := parseStartArgs(args)
	if err != nil {
		return err
	}
	h, err := a.sup.Start(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printHandle(a.out, "Bot started with PID %d", h)
	return nil
}

func runRestart(cmd *cobra.Command, a *app, args []string) error {
	opts, err := parseStartArgs(args)
	if err != nil {
		return err
	}
	h, err := a.sup.Restart(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printHandle(a.out, "Bot restarted with PID %d", h)
	return nil
}

func printHandle(out *console.Printer, format string, h *models.Handle) {
	out.Success(format, h.PID)
	out.Field("mode", h.Mode)
	out.Field("telegram", h.Telegram)
	out.Field("log", h.LogFile)
}

func runStop(cmd *cobra.Command, a *app, args []string) error {
	res, err := a.sup.Stop(cmd.Context())
	if err != nil {
		return err
	}
	switch res.Outcome {
	case service.OutcomeNotRunning:
		a.out.Info("Bot is not running")
	case service.OutcomeStale:
		if res.PID == 0 {
			a.out.Warn("Unreadable process record has been removed")
		} else {
			a.out.Warn("Process record for PID %d was stale and has been removed", res.PID)
		}
	case service.OutcomeKilled:
		a.out.Warn("Bot (PID %d) ignored %s and was killed", res.PID, a.cfg.Bot.StopSignal)
	default:
		a.out.Success("Bot stopped (PID %d)", res.PID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, a *app, args []string) error {
	p, err := a.sup.Status(cmd.Context())
	if err != nil {
		return err
	}
	switch p.State {
	case models.StateRunning:
		a.out.Success("Bot is running with PID %d", p.Pid)
		if p.Handle != nil {
			a.out.Field("mode", p.Handle.Mode)
			a.out.Field("telegram", p.Handle.Telegram)
			a.out.Field("log", p.Handle.LogFile)
		}
		a.out.Field("uptime", p.Uptime)
		a.out.Field("memory", p.Memory)
		a.out.Field("cpu", p.CPU)
	case models.StateStale:
		a.out.Warn("Process record points at PID %d, which is no longer the bot (stale)", p.Pid)
	case models.StateMalformed:
		a.out.Warn("Process record is unreadable; stop will remove it")
	default:
		a.out.Info("Bot is not running")
	}
	return nil
}

func newHealthCmd(withApp appRunner) *cobra.Command {
	var (
		timeout time.Duration
		retries int
		url     string
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Poll the bot's health endpoint",
		Args:  cobra.NoArgs,
		RunE: withApp(historyNone, func(cmd *cobra.Command, a *app, args []string) error {
			if url == "" {
				url = a.cfg.Bot.HealthURL
			}
			res, err := health.NewChecker(url, timeout, retries).Check(cmd.Context())
			if err != nil {
				return err
			}
			a.out.Success("Bot is healthy (%d in %s)", res.StatusCode, res.Latency.Round(time.Millisecond))
			return nil
		}),
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().IntVar(&retries, "retries", 2, "retries on connection errors and 5xx")
	cmd.Flags().StringVar(&url, "url", "", "health endpoint (defaults to bot.health_url)")
	return cmd
}

func newHistoryCmd(withApp appRunner) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent bot launches",
		Args:  cobra.NoArgs,
		RunE: withApp(historyAlways, func(cmd *cobra.Command, a *app, args []string) error {
			if a.history == nil {
				return errors.New("history database unavailable")
			}
			runs, err := a.history.Latest(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				a.out.Info("No launches recorded")
				return nil
			}
			w := cmd.OutOrStdout()
			for _, r := range runs {
				outcome := r.Outcome
				if r.StoppedAt == nil {
					outcome = "running"
				}
				fmt.Fprintf(w, "%s  pid=%-7d mode=%-6s telegram=%-5t %-11s %s\n",
					r.StartedAt.Format("2006-01-02 15:04:05"), r.PID, r.Mode, r.Telegram, outcome, r.LogFile)
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of launches to show")
	return cmd
}

func runServe(cmd *cobra.Command, a *app, args []string) error {
	router := api.NewRouter(a.sup, a.historyReader(), a.log)

	srv := &http.Server{
		Addr:         a.cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("Starting control server on %s", a.cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "control server")
	case <-quit:
	}

	// the bot is detached and keeps running; only the server goes away
	a.log.Info("Shutting down control server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}
	a.log.Info("Control server exited gracefully")
	return nil
}
