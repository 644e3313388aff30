package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Step is one fallible action of a command. A failing Optional step is
// logged and skipped; any other failure aborts the remaining steps.
type Step struct {
	Name     string
	Optional bool
	Run      func(ctx context.Context) error
}

// StepError names the step that aborted a pipeline.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func runSteps(ctx context.Context, log logrus.FieldLogger, steps []Step) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: step.Name, Err: err}
		}
		log.WithField("step", step.Name).Debug("running step")
		if err := step.Run(ctx); err != nil {
			if step.Optional {
				log.WithError(err).WithField("step", step.Name).Warn("optional step failed")
				continue
			}
			return &StepError{Step: step.Name, Err: err}
		}
	}
	return nil
}
