package service

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"botctl/internal/config"
	"botctl/internal/history"
	"botctl/internal/logger"
	"botctl/internal/models"
	"botctl/internal/pidfile"
)

const fakeBot = `#!/bin/sh
echo "$@" > args.tmp && mv args.tmp args.txt
echo "bot output"
exec sleep 30
`

// stubbornBot ignores SIGTERM so stop has to escalate.
const stubbornBot = `#!/bin/sh
trap '' TERM
echo "$@" > args.tmp && mv args.tmp args.txt
while :; do sleep 1; done
`

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("BOTCTL_ROOT", t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Bot.StopTimeout = 2
	return cfg
}

func installFakeVenv(t *testing.T, cfg *config.Config, script string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.Bot.BinDir(), 0o755))
	require.NoError(t, os.WriteFile(cfg.Bot.Interpreter(), []byte(script), 0o755))
}

func newTestSupervisor(t *testing.T, cfg *config.Config, opts ...Option) *Supervisor {
	t.Helper()
	s := New(cfg, logger.Discard(), opts...)
	s.pollInterval = 20 * time.Millisecond
	t.Cleanup(func() {
		if entry, err := s.record.Query(); err == nil && entry.Alive {
			killPID(entry.PID)
		}
	})
	return s
}

func killPID(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func botLogs(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "bot_*.log"))
	require.NoError(t, err)
	return matches
}

func waitArgs(t *testing.T, root string) string {
	t.Helper()
	var args string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(root, "args.txt"))
		if err != nil {
			return false
		}
		args = strings.TrimSpace(string(data))
		return args != ""
	}, 5*time.Second, 20*time.Millisecond)
	return args
}

func TestStart_MissingRuntimeEnvironment(t *testing.T) {
	cfg := newTestConfig(t)
	s := newTestSupervisor(t, cfg)

	_, err := s.Start(context.Background(), StartOptions{Mode: "paper"})
	require.ErrorIs(t, err, ErrEnvMissing)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "check runtime environment", stepErr.Step)

	assert.NoFileExists(t, filepath.Join(cfg.Bot.LogDir, "bot.pid"))
	assert.Empty(t, botLogs(t, cfg.Bot.LogDir))
	// not even the lock file
	assert.NoDirExists(t, cfg.Bot.LogDir)

	_, err = s.Restart(context.Background(), StartOptions{})
	require.ErrorIs(t, err, ErrEnvMissing)
	assert.NoDirExists(t, cfg.Bot.LogDir)
}

func TestStartStop(t *testing.T) {
	cfg := newTestConfig(t)
	installFakeVenv(t, cfg, fakeBot)
	require.NoError(t, os.WriteFile(cfg.Bot.ConfigExample, []byte(`{"mode":"paper"}`), 0o644))

	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	h, err := s.Start(ctx, StartOptions{Mode: "real", Telegram: true})
	require.NoError(t, err)
	assert.Greater(t, h.PID, 0)
	assert.Equal(t, "real", h.Mode)
	assert.True(t, h.Telegram)
	assert.NotEmpty(t, h.RunID)

	// config seeded from the example
	seeded, err := os.ReadFile(cfg.Bot.ConfigFile)
	require.NoError(t, err)
	assert.Equal(t, `{"mode":"paper"}`, string(seeded))

	// one log file, named by timestamp
	logs := botLogs(t, cfg.Bot.LogDir)
	require.Len(t, logs, 1)
	assert.Regexp(t, `bot_\d{8}_\d{6}\.log$`, logs[0])
	assert.Equal(t, logs[0], h.LogFile)

	// process record holds the numeric pid
	pidData, err := os.ReadFile(filepath.Join(cfg.Bot.LogDir, "bot.pid"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(h.PID), strings.TrimSpace(string(pidData)))

	assert.Equal(t, cfg.Bot.Entry+" --mode=real --telegram", waitArgs(t, cfg.Root))
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(h.LogFile)
		return strings.Contains(string(data), "bot output")
	}, 5*time.Second, 20*time.Millisecond)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, st.State)
	assert.Equal(t, h.PID, st.Pid)
	require.NotNil(t, st.Handle)
	assert.Equal(t, h.RunID, st.Handle.RunID)

	res, err := s.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.Equal(t, h.PID, res.PID)
	assert.False(t, pidfile.Alive(h.PID))
	assert.NoFileExists(t, filepath.Join(cfg.Bot.LogDir, "bot.pid"))

	st, err = s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, st.State)
}

func TestStart_DefaultModeWithoutTelegram(t *testing.T) {
	cfg := newTestConfig(t)
	installFakeVenv(t, cfg, fakeBot)
	s := newTestSupervisor(t, cfg)

	h, err := s.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMode, h.Mode)
	assert.Equal(t, cfg.Bot.Entry+" --mode=paper", waitArgs(t, cfg.Root))

	// no example shipped: start still succeeds without a config
	assert.NoFileExists(t, cfg.Bot.ConfigFile)

	_, err = s.Stop(context.Background())
	require.NoError(t, err)
}

func TestStart_RejectsSecondStart(t *testing.T) {
	cfg := newTestConfig(t)
	installFakeVenv(t, cfg, fakeBot)
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	first, err := s.Start(ctx, StartOptions{Mode: "paper"})
	require.NoError(t, err)

	_, err = s.Start(ctx, StartOptions{Mode: "paper"})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// no second log file, record untouched
	assert.Len(t, botLogs(t, cfg.Bot.LogDir), 1)
	entry, err := s.record.Query()
	require.NoError(t, err)
	assert.Equal(t, first.PID, entry.PID)

	_, err = s.Stop(ctx)
	require.NoError(t, err)
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestStop_NotRunning(t *testing.T) {
	cfg := newTestConfig(t)
	s := newTestSupervisor(t, cfg)

	res, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotRunning, res.Outcome)
}

func TestStop_StaleRecord(t *testing.T) {
	cfg := newTestConfig(t)
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	pid := deadPID(t)
	require.NoError(t, os.MkdirAll(cfg.Bot.LogDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Bot.LogDir, "bot.pid"), []byte(strconv.Itoa(pid)+"\n"), 0o644))

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateStale, st.State)
	assert.Equal(t, pid, st.Pid)

	res, err := s.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.NoFileExists(t, filepath.Join(cfg.Bot.LogDir, "bot.pid"))

	st, err = s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, st.State)
}

func TestStop_MalformedRecord(t *testing.T) {
	cfg := newTestConfig(t)
	s := newTestSupervisor(t, cfg)

	require.NoError(t, os.MkdirAll(cfg.Bot.LogDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Bot.LogDir, "bot.pid"), []byte("garbage"), 0o644))

	res, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.NoFileExists(t, filepath.Join(cfg.Bot.LogDir, "bot.pid"))
}

func TestStart_ClearsStaleRecord(t *testing.T) {
	cfg := newTestConfig(t)
	installFakeVenv(t, cfg, fakeBot)
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(cfg.Bot.LogDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Bot.LogDir, "bot.pid"), []byte(strconv.Itoa(deadPID(t))), 0o644))

	h, err := s.Start(ctx, StartOptions{Mode: "test"})
	require.NoError(t, err)

	entry, err := s.record.Query()
	require.NoError(t, err)
	assert.Equal(t, h.PID, entry.PID)
	assert.True(t, entry.Alive)

	_, err = s.Stop(ctx)
	require.NoError(t, err)
}

func TestStop_EscalatesToKill(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Bot.StopTimeout = 1
	installFakeVenv(t, cfg, stubbornBot)
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	h, err := s.Start(ctx, StartOptions{Mode: "paper"})
	require.NoError(t, err)
	waitArgs(t, cfg.Root) // trap installed

	res, err := s.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeKilled, res.Outcome)
	assert.False(t, pidfile.Alive(h.PID))
	assert.NoFileExists(t, filepath.Join(cfg.Bot.LogDir, "bot.pid"))
}

func TestRestart(t *testing.T) {
	cfg := newTestConfig(t)
	installFakeVenv(t, cfg, fakeBot)
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	first, err := s.Start(ctx, StartOptions{Mode: "paper"})
	require.NoError(t, err)
	waitArgs(t, cfg.Root)
	require.NoError(t, os.Remove(filepath.Join(cfg.Root, "args.txt")))

	second, err := s.Restart(ctx, StartOptions{Mode: "real", Telegram: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, second.PID)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.False(t, pidfile.Alive(first.PID))
	assert.Equal(t, cfg.Bot.Entry+" --mode=real --telegram", waitArgs(t, cfg.Root))

	// each start gets its own log file, even within the same second
	assert.Len(t, botLogs(t, cfg.Bot.LogDir), 2)

	_, err = s.Stop(ctx)
	require.NoError(t, err)
}

func TestRestart_WhenStopped(t *testing.T) {
	cfg := newTestConfig(t)
	installFakeVenv(t, cfg, fakeBot)
	s := newTestSupervisor(t, cfg)

	h, err := s.Restart(context.Background(), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMode, h.Mode)

	_, err = s.Stop(context.Background())
	require.NoError(t, err)
}

func TestStartStop_RecordsHistory(t *testing.T) {
	cfg := newTestConfig(t)
	installFakeVenv(t, cfg, fakeBot)

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	s := newTestSupervisor(t, cfg, WithRecorder(store))
	ctx := context.Background()

	h, err := s.Start(ctx, StartOptions{Mode: "paper"})
	require.NoError(t, err)
	_, err = s.Stop(ctx)
	require.NoError(t, err)

	runs, err := store.Latest(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, h.RunID, runs[0].RunID)
	assert.Equal(t, string(OutcomeStopped), runs[0].Outcome)
	assert.NotNil(t, runs[0].StoppedAt)
}

type fakeRunner struct {
	calls  [][]string
	failOn string
}

func (f *fakeRunner) Run(ctx context.Context, dir string, name string, args ...string) error {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	joined := strings.Join(call, " ")
	if f.failOn != "" && strings.Contains(joined, f.failOn) {
		return errors.New("exit status 1")
	}
	if len(args) >= 3 && args[0] == "-m" && args[1] == "venv" {
		return os.MkdirAll(args[2], 0o755)
	}
	return nil
}

func TestSetup(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, os.WriteFile(cfg.Bot.ConfigExample, []byte(`{"tickers":[]}`), 0o644))

	runner := &fakeRunner{}
	s := newTestSupervisor(t, cfg, WithRunner(runner))

	require.NoError(t, s.Setup(context.Background()))

	require.Len(t, runner.calls, 3)
	assert.Equal(t, []string{"python3", "-m", "venv", cfg.Bot.VenvDir}, runner.calls[0])
	assert.Equal(t, []string{cfg.Bot.Interpreter(), "-m", "pip", "install", "--upgrade", "pip"}, runner.calls[1])
	assert.Equal(t, []string{cfg.Bot.Interpreter(), "-m", "pip", "install", "-r", cfg.Bot.Requirements}, runner.calls[2])

	assert.DirExists(t, cfg.Bot.VenvDir)
	assert.DirExists(t, cfg.Bot.LogDir)
	assert.FileExists(t, cfg.Bot.ConfigFile)

	// the operator edits the config; a second setup keeps it
	require.NoError(t, os.WriteFile(cfg.Bot.ConfigFile, []byte(`{"edited":true}`), 0o644))
	require.NoError(t, s.Setup(context.Background()))

	data, err := os.ReadFile(cfg.Bot.ConfigFile)
	require.NoError(t, err)
	assert.Equal(t, `{"edited":true}`, string(data))

	// venv exists now, so only the two pip calls were added
	assert.Len(t, runner.calls, 5)
}

func TestSetup_AbortsOnFirstFailure(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, os.WriteFile(cfg.Bot.ConfigExample, []byte(`{}`), 0o644))

	runner := &fakeRunner{failOn: "-r"}
	s := newTestSupervisor(t, cfg, WithRunner(runner))

	err := s.Setup(context.Background())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "install dependencies", stepErr.Step)

	// later steps never ran
	assert.NoFileExists(t, cfg.Bot.ConfigFile)
	assert.NoDirExists(t, cfg.Bot.LogDir)
}

func TestSetup_MissingTemplateIsNotFatal(t *testing.T) {
	cfg := newTestConfig(t)
	s := newTestSupervisor(t, cfg, WithRunner(&fakeRunner{}))

	require.NoError(t, s.Setup(context.Background()))
	assert.NoFileExists(t, cfg.Bot.ConfigFile)
	assert.DirExists(t, cfg.Bot.LogDir)
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"SIGTERM", "terminated"},
		{"sigint", "interrupt"},
		{"KILL", "killed"},
		{"SIGHUP", "hangup"},
		{"", "terminated"},
		{"bogus", "terminated"},
	}
	for _, tt := range tests {
		if got := parseSignal(tt.name).String(); got != tt.want {
			t.Errorf("parseSignal(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

// selfReportingBot writes its own PID so a test can find it without the
// process record.
const selfReportingBot = `#!/bin/sh
echo $$ > self.tmp && mv self.tmp self.pid
exec sleep 30
`

// expiringContext reports cancellation from the n-th Err call on.
type expiringContext struct {
	context.Context
	calls int32
	n     int32
}

func (c *expiringContext) Err() error {
	if atomic.AddInt32(&c.calls, 1) >= c.n {
		return context.Canceled
	}
	return nil
}

func TestStart_CancellationNeverOrphansBot(t *testing.T) {
	for n := int32(1); n <= 8; n++ {
		cfg := newTestConfig(t)
		installFakeVenv(t, cfg, selfReportingBot)
		s := newTestSupervisor(t, cfg)

		_, err := s.Start(&expiringContext{Context: context.Background(), n: n}, StartOptions{})

		entry, qerr := s.record.Query()
		if err == nil {
			require.NoError(t, qerr, "n=%d", n)
			assert.True(t, entry.Alive, "n=%d", n)
			_, err = s.Stop(context.Background())
			require.NoError(t, err, "n=%d", n)
			continue
		}

		require.ErrorIs(t, err, context.Canceled, "n=%d", n)
		assert.ErrorIs(t, qerr, pidfile.ErrNoRecord, "n=%d", n)

		// if a bot got spawned it must not survive unrecorded
		data, rerr := os.ReadFile(filepath.Join(cfg.Root, "self.pid"))
		if rerr != nil {
			continue
		}
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		require.NoError(t, perr)
		t.Cleanup(func() { killPID(pid) })
		assert.Eventually(t, func() bool { return !pidfile.Alive(pid) }, 5*time.Second, 20*time.Millisecond, "n=%d", n)
	}
}

func TestStop_SignalFailureKeepsRecord(t *testing.T) {
	cfg := newTestConfig(t)
	installFakeVenv(t, cfg, fakeBot)
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	h, err := s.Start(ctx, StartOptions{Mode: "paper"})
	require.NoError(t, err)

	var sent []syscall.Signal
	s.kill = func(pid int, sig syscall.Signal) error {
		sent = append(sent, sig)
		return unix.EPERM
	}

	res, err := s.Stop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignalFailed)
	assert.Equal(t, h.PID, res.PID)
	assert.Equal(t, []syscall.Signal{unix.SIGTERM}, sent)

	assert.FileExists(t, filepath.Join(cfg.Bot.LogDir, "bot.pid"))
	assert.FileExists(t, filepath.Join(cfg.Bot.LogDir, "bot.run.json"))
	assert.True(t, pidfile.Alive(h.PID))

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, st.State)

	s.kill = unix.Kill
	res, err = s.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, res.Outcome)
}

func TestStop_ReusedPIDIsNotSignalled(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc")
	}
	cfg := newTestConfig(t)
	s := newTestSupervisor(t, cfg)
	ctx := context.Background()

	// a record from a launch long before this process existed
	rec := pidfile.New(cfg.Bot.LogDir)
	require.NoError(t, rec.Acquire(models.Handle{
		RunID:     "old",
		PID:       os.Getpid(),
		StartedAt: time.Now().Add(-48 * time.Hour),
	}))

	s.kill = func(pid int, sig syscall.Signal) error {
		t.Fatalf("signalled pid %d with %s", pid, sig)
		return nil
	}

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateStale, st.State)

	res, err := s.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.NoFileExists(t, filepath.Join(cfg.Bot.LogDir, "bot.pid"))
}

func TestStatus_MalformedRecord(t *testing.T) {
	cfg := newTestConfig(t)
	s := newTestSupervisor(t, cfg)

	require.NoError(t, os.MkdirAll(cfg.Bot.LogDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Bot.LogDir, "bot.pid"), []byte("garbage"), 0o644))

	st, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateMalformed, st.State)
	assert.Zero(t, st.Pid)
}
