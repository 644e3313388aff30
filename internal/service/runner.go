package service

import (
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CommandRunner runs a command to completion. Setup goes through it so the
// venv and pip invocations can be replaced in tests.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) error
}

type execRunner struct {
	log *logrus.Logger
}

func (r execRunner) Run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var out io.WriteCloser = nopWriteCloser{io.Discard}
	if r.log != nil {
		out = r.log.WithField("cmd", name).WriterLevel(logrus.DebugLevel)
	}
	defer out.Close()
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s %s", name, strings.Join(args, " "))
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
