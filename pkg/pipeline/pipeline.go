// Package pipeline runs a chain of subprocesses wired stdout to stdin,
// the way a shell pipe would, without handing control to a shell. Every
// stage's stderr is captured separately and the first nonzero exit is
// reported as the pipeline's failure.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Stage is one process in the chain.
type Stage struct {
	Name string
	Argv []string
}

// StageFailure reports the first stage that exited nonzero, with that
// stage's captured stderr.
type StageFailure struct {
	Stage    string
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *StageFailure) Error() string {
	msg := fmt.Sprintf("pipeline stage %s exited %d", e.Stage, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Pipeline is a fixed chain of stages. The zero value is unusable; use
// New.
type Pipeline struct {
	stages []Stage
	stdout io.Writer
}

// New builds a pipeline from the given stages. At least one stage is
// required.
func New(stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}
	for _, s := range stages {
		if len(s.Argv) == 0 {
			return nil, fmt.Errorf("pipeline stage %s has an empty command", s.Name)
		}
	}
	return &Pipeline{stages: stages}, nil
}

// captureStdout directs the last stage's stdout into w instead of
// discarding it. Replication pipelines end in zfs receive and have no
// stdout worth keeping; tests use this to observe the chain.
func (p *Pipeline) captureStdout(w io.Writer) {
	p.stdout = w
}

// String renders the chain the way an operator would type it.
func (p *Pipeline) String() string {
	parts := make([]string, len(p.stages))
	for i, s := range p.stages {
		parts[i] = strings.Join(s.Argv, " ")
	}
	return strings.Join(parts, " | ")
}

// Run starts every stage, wires the pipes, and waits for all of them.
// The first stage (in chain order) that exits nonzero is returned as a
// *StageFailure; stages after a failed one are still waited on so no
// process leaks.
func (p *Pipeline) Run(ctx context.Context) error {
	cmds := make([]*exec.Cmd, len(p.stages))
	stderr := make([]bytes.Buffer, len(p.stages))
	for i, s := range p.stages {
		cmd := exec.CommandContext(ctx, s.Argv[0], s.Argv[1:]...)
		cmd.Stderr = &stderr[i]
		cmds[i] = cmd
	}
	for i := 1; i < len(cmds); i++ {
		pipe, err := cmds[i-1].StdoutPipe()
		if err != nil {
			return fmt.Errorf("pipeline stage %s: %w", p.stages[i-1].Name, err)
		}
		cmds[i].Stdin = pipe
	}
	if p.stdout != nil {
		cmds[len(cmds)-1].Stdout = p.stdout
	}

	started := 0
	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			// Reap whatever is already running before reporting.
			for j := 0; j < started; j++ {
				_ = cmds[j].Wait()
			}
			return fmt.Errorf("pipeline stage %s: %w", p.stages[i].Name, err)
		}
		started++
	}

	var failure *StageFailure
	for i, cmd := range cmds {
		err := cmd.Wait()
		if err == nil || failure != nil {
			continue
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		failure = &StageFailure{
			Stage:    p.stages[i].Name,
			Argv:     p.stages[i].Argv,
			ExitCode: code,
			Stderr:   strings.TrimSpace(stderr[i].String()),
		}
	}
	if failure != nil {
		return failure
	}
	return nil
}
