package service

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"botctl/internal/config"
	"botctl/internal/models"
	"botctl/internal/pidfile"
)

var (
	ErrEnvMissing     = errors.New("runtime environment not found, run setup first")
	ErrAlreadyRunning = errors.New("bot already running")
	ErrSignalFailed   = errors.New("failed to signal bot process")
	ErrStillRunning   = errors.New("bot process did not exit")
)

const DefaultMode = "paper"

type StartOptions struct {
	Mode     string
	Telegram bool
}

func (o StartOptions) withDefaults() StartOptions {
	if strings.TrimSpace(o.Mode) == "" {
		o.Mode = DefaultMode
	}
	return o
}

type StopOutcome string

const (
	OutcomeNotRunning StopOutcome = "not_running"
	OutcomeStopped    StopOutcome = "stopped"
	OutcomeKilled     StopOutcome = "killed"
	OutcomeStale      StopOutcome = "stale"
)

type StopResult struct {
	PID     int         `json:"pid,omitempty"`
	Outcome StopOutcome `json:"outcome"`
}

// Recorder receives launch history. Failures are logged, never fatal.
type Recorder interface {
	RecordStart(ctx context.Context, h models.Handle) error
	RecordStop(ctx context.Context, runID, outcome string, at time.Time) error
}

type Option func(*Supervisor)

func WithRunner(r CommandRunner) Option {
	return func(s *Supervisor) { s.runner = r }
}

func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) { s.history = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// Supervisor owns the lifecycle of the single bot process. Every mutating
// operation holds both an in-process mutex and the record's file lock, so
// CLI invocations and the HTTP server never interleave.
type Supervisor struct {
	mu      sync.Mutex
	cfg     *config.Config
	record  *pidfile.Record
	runner  CommandRunner
	history Recorder
	log     *logrus.Logger
	now     func() time.Time
	kill    func(pid int, sig syscall.Signal) error

	pollInterval time.Duration
	killWait     time.Duration
}

func New(cfg *config.Config, log *logrus.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		record:       pidfile.New(cfg.Bot.LogDir),
		runner:       execRunner{log: log},
		log:          log,
		now:          time.Now,
		kill:         unix.Kill,
		pollInterval: 100 * time.Millisecond,
		killWait:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if err := s.record.Lock(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return func() {
		if err := s.record.Unlock(); err != nil {
			s.log.WithError(err).Warn("Failed to release record lock")
		}
		s.mu.Unlock()
	}, nil
}

// Setup provisions the runtime environment: venv, pip upgrade,
// requirements, config seed and log directory. The first failing step
// aborts the rest; nothing already done is rolled back.
func (s *Supervisor) Setup(ctx context.Context) error {
	bot := s.cfg.Bot
	root := s.cfg.Root

	steps := []Step{
		{Name: "create runtime environment", Run: func(ctx context.Context) error {
			if dirExists(bot.VenvDir) {
				s.log.WithField("venv", bot.VenvDir).Info("Runtime environment already exists")
				return nil
			}
			s.log.WithField("venv", bot.VenvDir).Info("Creating runtime environment")
			return s.runner.Run(ctx, root, bot.Python, "-m", "venv", bot.VenvDir)
		}},
		{Name: "upgrade package manager", Run: func(ctx context.Context) error {
			return s.runner.Run(ctx, root, bot.Interpreter(), "-m", "pip", "install", "--upgrade", "pip")
		}},
		{Name: "install dependencies", Run: func(ctx context.Context) error {
			return s.runner.Run(ctx, root, bot.Interpreter(), "-m", "pip", "install", "-r", bot.Requirements)
		}},
		{Name: "seed configuration", Optional: true, Run: s.seedConfig},
		{Name: "create log directory", Run: func(ctx context.Context) error {
			return os.MkdirAll(bot.LogDir, 0o755)
		}},
	}
	if err := runSteps(ctx, s.log, steps); err != nil {
		return err
	}
	s.log.Info("Setup complete")
	return nil
}

// Start launches the bot detached from the caller's session and returns
// as soon as the process is spawned.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) (*models.Handle, error) {
	// fail before the lock creates anything under the log directory
	if err := s.checkEnv(ctx); err != nil {
		return nil, &StepError{Step: stepCheckEnv, Err: err}
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.startLocked(ctx, opts)
}

func (s *Supervisor) startLocked(ctx context.Context, opts StartOptions) (*models.Handle, error) {
	opts = opts.withDefaults()
	bot := s.cfg.Bot

	var (
		logFile *os.File
		handle  *models.Handle
	)
	defer func() {
		if logFile != nil {
			logFile.Close()
		}
	}()

	steps := []Step{
		{Name: stepCheckEnv, Run: s.checkEnv},
		{Name: "check process record", Run: s.guardRecord},
		{Name: "seed configuration", Optional: true, Run: s.seedConfig},
		{Name: "allocate log file", Run: func(ctx context.Context) error {
			f, err := allocateLogFile(bot.LogDir, s.now())
			if err != nil {
				return err
			}
			logFile = f
			return nil
		}},
		// spawning and recording are one step: cancellation between them
		// would leave a bot that stop cannot find
		{Name: "launch bot", Run: func(ctx context.Context) error {
			cmd, err := s.launch(opts, logFile)
			if err != nil {
				return err
			}
			h := models.Handle{
				RunID:     uuid.NewString(),
				PID:       cmd.Process.Pid,
				Mode:      opts.Mode,
				Telegram:  opts.Telegram,
				LogFile:   logFile.Name(),
				StartedAt: s.now(),
			}
			if err := s.record.Acquire(h); err != nil {
				_ = s.kill(h.PID, unix.SIGKILL)
				return errors.Wrap(err, "write process record")
			}
			handle = &h
			return nil
		}},
	}
	if err := runSteps(ctx, s.log, steps); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"pid":      handle.PID,
		"mode":     handle.Mode,
		"telegram": handle.Telegram,
		"log_file": handle.LogFile,
		"run_id":   handle.RunID,
	}).Info("Bot started")

	if s.history != nil {
		if err := s.history.RecordStart(ctx, *handle); err != nil {
			s.log.WithError(err).Warn("Failed to record start in history")
		}
	}
	return handle, nil
}

const stepCheckEnv = "check runtime environment"

func (s *Supervisor) checkEnv(ctx context.Context) error {
	if !dirExists(s.cfg.Bot.VenvDir) {
		return errors.Wrapf(ErrEnvMissing, "%s", s.cfg.Bot.VenvDir)
	}
	return nil
}

// EnvReady reports whether setup has created the runtime environment.
func (s *Supervisor) EnvReady() bool {
	return dirExists(s.cfg.Bot.VenvDir)
}

// guardRecord refuses to start over a live bot and clears records whose
// process is gone.
func (s *Supervisor) guardRecord(ctx context.Context) error {
	entry, err := s.record.Query()
	switch {
	case errors.Is(err, pidfile.ErrNoRecord):
		return nil
	case errors.Is(err, pidfile.ErrMalformed):
		s.log.WithError(err).Warn("Removing malformed process record")
		return s.record.Release()
	case err != nil:
		return err
	}
	if entry.Alive {
		return errors.Wrapf(ErrAlreadyRunning, "pid %d", entry.PID)
	}
	_, err = s.clearStale(ctx, entry)
	return err
}

func (s *Supervisor) seedConfig(ctx context.Context) error {
	bot := s.cfg.Bot
	created, err := seedConfig(bot.ConfigFile, bot.ConfigExample)
	if err != nil {
		return err
	}
	if created {
		s.log.WithFields(logrus.Fields{
			"config":  bot.ConfigFile,
			"example": bot.ConfigExample,
		}).Info("Seeded configuration from example")
	}
	return nil
}

func (s *Supervisor) launch(opts StartOptions, logFile *os.File) (*exec.Cmd, error) {
	bot := s.cfg.Bot

	// not CommandContext: the bot must outlive this invocation
	cmd := exec.Command(bot.Interpreter(), botArgs(bot.Entry, opts)...)
	cmd.Dir = s.cfg.Root
	cmd.Env = activatedEnv(os.Environ(), bot)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	// reap the child when it exits while we are still alive (serve mode)
	go func() { _ = cmd.Wait() }()
	return cmd, nil
}

func botArgs(entry string, opts StartOptions) []string {
	args := []string{entry, "--mode=" + opts.Mode}
	if opts.Telegram {
		args = append(args, "--telegram")
	}
	return args
}

// activatedEnv mirrors "source venv/bin/activate": VIRTUAL_ENV is set, the
// venv bin directory leads PATH and PYTHONHOME is dropped. Entries from the
// bot's environment section are applied last.
func activatedEnv(environ []string, bot config.BotConfig) []string {
	path := os.Getenv("PATH")
	for _, kv := range environ {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
	}
	if path != "" {
		path = bot.BinDir() + string(os.PathListSeparator) + path
	} else {
		path = bot.BinDir()
	}

	overrides := map[string]string{
		"VIRTUAL_ENV": bot.VenvDir,
		"PATH":        path,
	}
	for k, v := range bot.Environment {
		overrides[k] = v
	}

	env := make([]string, 0, len(environ)+len(overrides))
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok || key == "PYTHONHOME" {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// Stop signals the recorded bot and waits for it to exit, escalating to
// SIGKILL after the stop timeout. The record is released only once the
// process is gone; a failed signal leaves it in place.
func (s *Supervisor) Stop(ctx context.Context) (StopResult, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return StopResult{}, err
	}
	defer unlock()

	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) (StopResult, error) {
	entry, err := s.record.Query()
	switch {
	case errors.Is(err, pidfile.ErrNoRecord):
		return StopResult{Outcome: OutcomeNotRunning}, nil
	case errors.Is(err, pidfile.ErrMalformed):
		s.log.WithError(err).Warn("Removing malformed process record")
		if err := s.record.Release(); err != nil {
			return StopResult{}, err
		}
		return StopResult{Outcome: OutcomeStale}, nil
	case err != nil:
		return StopResult{}, err
	}

	if !entry.Alive {
		return s.clearStale(ctx, entry)
	}

	log := s.log.WithField("pid", entry.PID)
	sig := parseSignal(s.cfg.Bot.StopSignal)
	log.Infof("Sending %s to bot", s.cfg.Bot.StopSignal)

	if err := s.kill(entry.PID, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return s.clearStale(ctx, entry)
		}
		log.WithError(err).Error("Failed to send signal")
		return StopResult{PID: entry.PID}, errors.Wrapf(ErrSignalFailed, "pid %d: %v", entry.PID, err)
	}

	res := StopResult{PID: entry.PID, Outcome: OutcomeStopped}
	exited, err := s.waitExit(ctx, entry.PID, s.cfg.Bot.StopWait())
	if err != nil {
		return res, err
	}
	if !exited {
		log.Warn("Bot did not stop in time, killing")
		if err := s.kill(entry.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return res, errors.Wrapf(ErrSignalFailed, "pid %d: %v", entry.PID, err)
		}
		exited, err = s.waitExit(ctx, entry.PID, s.killWait)
		if err != nil {
			return res, err
		}
		if !exited {
			return res, errors.Wrapf(ErrStillRunning, "pid %d", entry.PID)
		}
		res.Outcome = OutcomeKilled
	}

	if err := s.record.Release(); err != nil {
		return res, err
	}
	log.WithField("outcome", res.Outcome).Info("Bot stopped")
	s.recordStop(ctx, entry.Handle, res.Outcome)
	return res, nil
}

func (s *Supervisor) clearStale(ctx context.Context, entry pidfile.Entry) (StopResult, error) {
	if entry.Reused {
		s.log.WithField("pid", entry.PID).Warn("Recorded PID now belongs to another process, removing record")
	} else {
		s.log.WithField("pid", entry.PID).Warn("Process record is stale, removing it")
	}
	if err := s.record.Release(); err != nil {
		return StopResult{PID: entry.PID}, err
	}
	s.recordStop(ctx, entry.Handle, OutcomeStale)
	return StopResult{PID: entry.PID, Outcome: OutcomeStale}, nil
}

func (s *Supervisor) recordStop(ctx context.Context, h *models.Handle, outcome StopOutcome) {
	if s.history == nil || h == nil {
		return
	}
	if err := s.history.RecordStop(ctx, h.RunID, string(outcome), s.now()); err != nil {
		s.log.WithError(err).Warn("Failed to record stop in history")
	}
}

func (s *Supervisor) waitExit(ctx context.Context, pid int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if !pidfile.Alive(pid) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Restart stops the bot (if any) and starts it again with opts. A failed
// stop aborts the restart so a second bot is never spawned next to a live
// one.
func (s *Supervisor) Restart(ctx context.Context, opts StartOptions) (*models.Handle, error) {
	// a restart that cannot start must not stop the running bot
	if err := s.checkEnv(ctx); err != nil {
		return nil, &StepError{Step: stepCheckEnv, Err: err}
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.stopLocked(ctx); err != nil {
		return nil, errors.Wrap(err, "stop before restart")
	}
	return s.startLocked(ctx, opts)
}

// Status reports the recorded bot without touching the record.
func (s *Supervisor) Status(ctx context.Context) (models.Process, error) {
	entry, err := s.record.Query()
	switch {
	case errors.Is(err, pidfile.ErrNoRecord):
		return models.Process{State: models.StateStopped, Uptime: "N/A", Memory: "N/A", CPU: "N/A"}, nil
	case errors.Is(err, pidfile.ErrMalformed):
		return models.Process{State: models.StateMalformed, Uptime: "N/A", Memory: "N/A", CPU: "N/A"}, nil
	case err != nil:
		return models.Process{}, err
	}

	p := models.Process{
		State:  models.StateStale,
		Pid:    entry.PID,
		Uptime: "N/A",
		Memory: "N/A",
		CPU:    "N/A",
		Handle: entry.Handle,
	}
	if !entry.Alive {
		return p, nil
	}

	p.State = models.StateRunning
	if entry.Handle != nil && !entry.Handle.StartedAt.IsZero() {
		p.Uptime = formatDuration(s.now().Sub(entry.Handle.StartedAt))
	}
	p.Memory = getProcessMemory(entry.PID)
	p.CPU = getProcessCPU(entry.PID)
	return p, nil
}

func parseSignal(name string) syscall.Signal {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "SIGKILL", "KILL":
		return unix.SIGKILL
	case "SIGINT", "INT":
		return unix.SIGINT
	case "SIGHUP", "HUP":
		return unix.SIGHUP
	case "SIGQUIT", "QUIT":
		return unix.SIGQUIT
	default:
		return unix.SIGTERM
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
