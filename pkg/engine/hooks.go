package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"k8s.io/klog/v2"

	"github.com/zsnapd/zsnapd/pkg/endpoint"
)

// HookFailure reports a pre/post command that exited nonzero. The
// sequence aborts at the failing step.
type HookFailure struct {
	Hook     string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *HookFailure) Error() string {
	msg := fmt.Sprintf("%s command %q exited %d", e.Hook, e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// HookRunner executes a hook command through the shell, locally or on
// the replication endpoint.
type HookRunner interface {
	Run(ctx context.Context, ep *endpoint.Endpoint, hook, command string, logCommands bool) error
}

// ShellHookRunner is the real hook runner.
type ShellHookRunner struct{}

func (ShellHookRunner) Run(ctx context.Context, ep *endpoint.Endpoint, hook, command string, logCommands bool) error {
	argv := ep.WrapCommand(command)
	if logCommands {
		klog.V(1).Infof("Executing %s command: %s", hook, strings.Join(argv, " "))
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &HookFailure{Hook: hook, Command: command, ExitCode: code, Stderr: strings.TrimSpace(stderr.String())}
	}
	return nil
}
