// Package pidfile owns the persisted process record of the supervised bot.
//
// The record is a directory holding three files:
//
//	bot.pid       single line with the PID, read by external tooling
//	bot.run.json  the launch handle (run id, mode, log file, start time)
//	bot.lock      advisory lock serialising supervisor invocations
package pidfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"botctl/internal/models"
)

var (
	ErrNoRecord  = errors.New("no process record")
	ErrLocked    = errors.New("process record is locked by another invocation")
	ErrMalformed = errors.New("malformed pid file")
)

const (
	pidName  = "bot.pid"
	metaName = "bot.run.json"
	lockName = "bot.lock"

	defaultLockWait = 5 * time.Second
	lockPoll        = 50 * time.Millisecond

	// USER_HZ, fixed at 100 in the /proc ABI
	clockTicks = 100
	// btime has one-second resolution and the handle is stamped after fork
	startSlack = 5 * time.Second
)

// Entry is the result of Query. Reused is set when the PID is alive but
// belongs to a process started after the recorded launch; Alive is then
// false.
type Entry struct {
	PID    int
	Alive  bool
	Reused bool
	Handle *models.Handle
}

type Record struct {
	dir  string
	lock *os.File
}

func New(dir string) *Record {
	return &Record{dir: dir}
}

func (r *Record) PIDPath() string  { return filepath.Join(r.dir, pidName) }
func (r *Record) metaPath() string { return filepath.Join(r.dir, metaName) }
func (r *Record) lockPath() string { return filepath.Join(r.dir, lockName) }

// Lock takes the advisory lock, retrying until ctx is done. Without a
// deadline on ctx it gives up after five seconds.
func (r *Record) Lock(ctx context.Context) error {
	if r.lock != nil {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return errors.Wrap(err, "create record directory")
	}
	f, err := os.OpenFile(r.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "open lock file")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultLockWait)
		defer cancel()
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			r.lock = f
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return errors.Wrap(err, "flock")
		}
		select {
		case <-ctx.Done():
			f.Close()
			return ErrLocked
		case <-time.After(lockPoll):
		}
	}
}

func (r *Record) Unlock() error {
	if r.lock == nil {
		return nil
	}
	f := r.lock
	r.lock = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return errors.Wrap(err, "unlock")
	}
	return f.Close()
}

// Acquire persists h as the current record, replacing any existing one.
func (r *Record) Acquire(h models.Handle) error {
	if h.PID <= 0 {
		return errors.Errorf("invalid pid %d", h.PID)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return errors.Wrap(err, "create record directory")
	}
	meta, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(r.metaPath(), meta); err != nil {
		return errors.Wrap(err, "write run handle")
	}
	if err := writeAtomic(r.PIDPath(), []byte(strconv.Itoa(h.PID)+"\n")); err != nil {
		return errors.Wrap(err, "write pid file")
	}
	return nil
}

// Release removes the record. Removing an absent record is not an error.
func (r *Record) Release() error {
	if err := os.Remove(r.PIDPath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove pid file")
	}
	if err := os.Remove(r.metaPath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove run handle")
	}
	return nil
}

// Query reads the record and probes the recorded PID. It returns
// ErrNoRecord when bot.pid does not exist. A pid file written by an older
// launcher without a run handle yields an Entry with a nil Handle.
func (r *Record) Query() (Entry, error) {
	data, err := os.ReadFile(r.PIDPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrNoRecord
		}
		return Entry{}, errors.Wrap(err, "read pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return Entry{}, errors.Wrapf(ErrMalformed, "%s: %q", r.PIDPath(), strings.TrimSpace(string(data)))
	}

	entry := Entry{PID: pid, Alive: Alive(pid)}
	if meta, err := os.ReadFile(r.metaPath()); err == nil {
		var h models.Handle
		if json.Unmarshal(meta, &h) == nil && h.PID == pid {
			entry.Handle = &h
		}
	}
	if entry.Alive && entry.Handle != nil && reused(pid, entry.Handle.StartedAt) {
		entry.Alive = false
		entry.Reused = true
	}
	return entry, nil
}

// reused reports whether pid belongs to a process that started after the
// recorded launch, i.e. the bot died and the kernel handed its PID out
// again. Without /proc it reports false.
func reused(pid int, launched time.Time) bool {
	if launched.IsZero() {
		return false
	}
	started, ok := StartTime(pid)
	if !ok {
		return false
	}
	return started.After(launched.Add(startSlack))
}

// StartTime returns when pid was started according to /proc.
func StartTime(pid int) (time.Time, bool) {
	fields, ok := procStat(pid)
	// starttime is field 22 of stat, fields[0] is field 3
	if !ok || len(fields) < 20 {
		return time.Time{}, false
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	boot, ok := bootTime()
	if !ok {
		return time.Time{}, false
	}
	return boot.Add(time.Duration(ticks) * (time.Second / clockTicks)), true
}

func bootTime() (time.Time, bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return time.Time{}, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "btime "); ok {
			sec, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			return time.Unix(sec, 0), true
		}
	}
	return time.Time{}, false
}

// Alive reports whether pid refers to a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !zombie(pid)
}

// zombie reads the state field of /proc/<pid>/stat. Where /proc is not
// available it reports false.
func zombie(pid int) bool {
	fields, ok := procStat(pid)
	return ok && len(fields) > 0 && fields[0] == "Z"
}

// procStat returns the fields of /proc/<pid>/stat from the state field on.
func procStat(pid int) ([]string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, false
	}
	// the command name is parenthesised and may contain spaces
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 || i+2 >= len(data) {
		return nil, false
	}
	return strings.Fields(string(data[i+2:])), true
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
