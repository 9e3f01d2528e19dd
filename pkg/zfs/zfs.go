// Package zfs drives the ZFS command-line tools, locally or through a
// replication endpoint, and parses their tabular output into typed
// records.
package zfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/zsnapd/zsnapd/pkg/endpoint"
	"github.com/zsnapd/zsnapd/pkg/models"
	"github.com/zsnapd/zsnapd/pkg/pipeline"
)

// ToolFailure reports a nonzero exit from the zfs tool, carrying the
// full stderr for the operator.
type ToolFailure struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *ToolFailure) Error() string {
	msg := fmt.Sprintf("%s exited %d", e.Cmd, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Direction of a replication transfer relative to this host.
type Direction int

const (
	Push Direction = iota
	Pull
)

// TransferRequest describes one send/receive stream between a source
// and a target dataset, possibly across an endpoint.
type TransferRequest struct {
	Direction     Direction
	Endpoint      *endpoint.Endpoint
	SourceDataset string
	TargetDataset string
	// FromSnapshot is the incremental base; empty means a full stream.
	FromSnapshot string
	ToSnapshot   string
	// Intermediates selects -I (send every snapshot between base and
	// target) instead of -i.
	Intermediates bool
	// ResumeToken resumes an interrupted receive via zfs send -t.
	ResumeToken string
	Compression string
	BufferSize  string
	LogCommands bool
}

// Adapter runs zfs commands. One adapter serves any number of
// endpoints; remote invocations are wrapped per call.
type Adapter struct {
	zfsBin string
}

// NewAdapter returns an adapter using the zfs binary from PATH.
func NewAdapter() *Adapter {
	return &Adapter{zfsBin: "zfs"}
}

// run executes one command, local or wrapped for the endpoint, and
// returns stdout. Nonzero exit surfaces as *ToolFailure.
func (a *Adapter) run(ctx context.Context, ep *endpoint.Endpoint, logCommands bool, words ...string) (string, error) {
	return a.runCapture(ctx, ep, logCommands, false, words...)
}

// runCapture is run with the option of folding stderr into the
// returned output, for tools that report on stderr (zfs send -nv).
func (a *Adapter) runCapture(ctx context.Context, ep *endpoint.Endpoint, logCommands, combined bool, words ...string) (string, error) {
	argv := words
	if !ep.IsLocal() {
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = endpoint.QuoteArg(w)
		}
		argv = ep.WrapCommand(strings.Join(quoted, " "))
	}
	display := strings.Join(argv, " ")
	if logCommands {
		klog.V(1).Infof("Executing command: %s", display)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if combined {
		cmd.Stderr = &stdout
	} else {
		cmd.Stderr = &stderr
	}
	err := cmd.Run()
	if logCommands {
		klog.V(1).Infof("Exit code: %d", exitCode(err))
		if stderr.Len() > 0 {
			klog.V(1).Infof("stderr: %s", stderr.String())
		}
	}
	if err != nil {
		return "", &ToolFailure{Cmd: display, ExitCode: exitCode(err), Stderr: strings.TrimSpace(stderr.String())}
	}
	return stdout.String(), nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ListSnapshots returns the dataset's snapshots sorted by creation
// ascending, parsed from zfs list -pH output.
func (a *Adapter) ListSnapshots(ctx context.Context, ep *endpoint.Endpoint, dataset string, logCommands bool) ([]models.Snapshot, error) {
	out, err := a.run(ctx, ep, logCommands,
		a.zfsBin, "list", "-pH", "-s", "creation", "-o", "name,creation", "-t", "snapshot", dataset)
	if err != nil {
		var failure *ToolFailure
		if errors.As(err, &failure) && strings.Contains(failure.Stderr, "does not exist") {
			return nil, nil
		}
		return nil, err
	}
	return ParseSnapshotList(out, dataset)
}

// ParseSnapshotList parses tab-separated name/creation pairs. Lines for
// descendant datasets are skipped; anything else malformed is an error.
func ParseSnapshotList(out, dataset string) ([]models.Snapshot, error) {
	var snapshots []models.Snapshot
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		columns := strings.Split(line, "\t")
		if len(columns) != 2 {
			return nil, fmt.Errorf("unexpected snapshot listing line %q: want 2 columns, got %d", line, len(columns))
		}
		handle := strings.TrimSpace(columns[0])
		ds, name, found := strings.Cut(handle, "@")
		if !found {
			return nil, fmt.Errorf("unexpected snapshot handle %q", handle)
		}
		if ds != dataset {
			continue
		}
		epochStr := strings.TrimSpace(columns[1])
		epochSecs, err := strconv.ParseInt(epochStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected creation value %q for %s: %w", epochStr, handle, err)
		}
		snapshots = append(snapshots, models.Snapshot{
			Dataset:  ds,
			Name:     name,
			Creation: time.Unix(epochSecs, 0),
		})
	}
	return snapshots, nil
}

// CreateSnapshot takes dataset@name.
func (a *Adapter) CreateSnapshot(ctx context.Context, ep *endpoint.Endpoint, dataset, name string, logCommands bool) error {
	_, err := a.run(ctx, ep, logCommands, a.zfsBin, "snapshot", dataset+"@"+name)
	return err
}

// DestroySnapshot destroys dataset@name.
func (a *Adapter) DestroySnapshot(ctx context.Context, ep *endpoint.Endpoint, dataset, name string, logCommands bool) error {
	_, err := a.run(ctx, ep, logCommands, a.zfsBin, "destroy", dataset+"@"+name)
	return err
}

// Get reads one property value via zfs get -pHo value.
func (a *Adapter) Get(ctx context.Context, ep *endpoint.Endpoint, dataset, property string, logCommands bool) (string, error) {
	out, err := a.run(ctx, ep, logCommands, a.zfsBin, "get", "-pHo", "value", property, dataset)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ReceiveResumeToken returns the dataset's resume token, or empty when
// there is no interrupted receive to resume.
func (a *Adapter) ReceiveResumeToken(ctx context.Context, ep *endpoint.Endpoint, dataset string, logCommands bool) (string, error) {
	value, err := a.Get(ctx, ep, dataset, "receive_resume_token", logCommands)
	if err != nil {
		var failure *ToolFailure
		if errors.As(err, &failure) {
			// Datasets that do not exist yet, and pools without the
			// extensible_dataset feature, have no token.
			return "", nil
		}
		return "", err
	}
	if value == "-" {
		return "", nil
	}
	return value, nil
}

// AbortReceive discards an interrupted receive's saved state.
func (a *Adapter) AbortReceive(ctx context.Context, ep *endpoint.Endpoint, dataset string, logCommands bool) error {
	_, err := a.run(ctx, ep, logCommands, a.zfsBin, "receive", "-A", dataset)
	return err
}

// EstimateSize runs a dry-run send and returns the tool's estimated
// stream size, for logging before a transfer.
func (a *Adapter) EstimateSize(ctx context.Context, ep *endpoint.Endpoint, req TransferRequest, logCommands bool) (string, error) {
	words := append([]string{a.zfsBin}, sendArgs(req, true)...)
	out, err := a.runCapture(ctx, ep, logCommands, true, words...)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "estimated size is") {
			continue
		}
		fields := strings.Fields(line)
		size := fields[len(fields)-1]
		if size != "" && size[len(size)-1] >= '0' && size[len(size)-1] <= '9' {
			return size + "B", nil
		}
		return size + "iB", nil
	}
	return "", fmt.Errorf("no size estimate in send -nv output")
}

// sendArgs builds the argument list after "zfs" for the send side of
// req. With dryRun it adds -nv and sends the report to stderr.
func sendArgs(req TransferRequest, dryRun bool) []string {
	args := []string{"send"}
	if dryRun {
		args = append(args, "-nv")
	}
	if req.ResumeToken != "" {
		return append(args, "-t", req.ResumeToken)
	}
	if req.FromSnapshot != "" {
		flag := "-i"
		if req.Intermediates {
			flag = "-I"
		}
		args = append(args, flag, req.SourceDataset+"@"+req.FromSnapshot)
	}
	return append(args, req.SourceDataset+"@"+req.ToSnapshot)
}

// receiveArgs builds the argument list after "zfs" for the receive
// side. Receives force-roll the target to the incoming stream.
func receiveArgs(req TransferRequest) []string {
	return []string{"receive", "-F", req.TargetDataset}
}

const mbufferBlock = "128k"

func mbufferArgv(size string) []string {
	return []string{"mbuffer", "-q", "-v", "0", "-s", mbufferBlock, "-m", size}
}

// remoteJoin quotes and pipes a chain of commands into one remote
// shell string.
func remoteJoin(commands ...[]string) string {
	parts := make([]string, 0, len(commands))
	for _, words := range commands {
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = endpoint.QuoteArg(w)
		}
		parts = append(parts, strings.Join(quoted, " "))
	}
	return strings.Join(parts, " | ")
}

func localStages(a *Adapter, req TransferRequest) []pipeline.Stage {
	return []pipeline.Stage{
		{Name: "zfs send", Argv: append([]string{a.zfsBin}, sendArgs(req, false)...)},
		{Name: "zfs receive", Argv: append([]string{a.zfsBin}, receiveArgs(req)...)},
	}
}

func pushStages(a *Adapter, req TransferRequest) []pipeline.Stage {
	stages := []pipeline.Stage{
		{Name: "zfs send", Argv: append([]string{a.zfsBin}, sendArgs(req, false)...)},
	}
	if req.BufferSize != "" {
		stages = append(stages, pipeline.Stage{Name: "mbuffer", Argv: mbufferArgv(req.BufferSize)})
	}
	if req.Compression != "" {
		stages = append(stages, pipeline.Stage{Name: "compress", Argv: []string{req.Compression, "-c"}})
	}
	var remote [][]string
	if req.Compression != "" {
		remote = append(remote, []string{req.Compression, "-dc"})
	}
	if req.BufferSize != "" {
		remote = append(remote, mbufferArgv(req.BufferSize))
	}
	remote = append(remote, append([]string{a.zfsBin}, receiveArgs(req)...))
	return append(stages, pipeline.Stage{
		Name: "ssh zfs receive", Argv: req.Endpoint.WrapCommand(remoteJoin(remote...)),
	})
}

func pullStages(a *Adapter, req TransferRequest) []pipeline.Stage {
	var remote [][]string
	remote = append(remote, append([]string{a.zfsBin}, sendArgs(req, false)...))
	if req.Compression != "" {
		remote = append(remote, []string{req.Compression, "-c"})
	}
	if req.BufferSize != "" {
		remote = append(remote, mbufferArgv(req.BufferSize))
	}
	stages := []pipeline.Stage{
		{Name: "ssh zfs send", Argv: req.Endpoint.WrapCommand(remoteJoin(remote...))},
	}
	if req.BufferSize != "" {
		stages = append(stages, pipeline.Stage{Name: "mbuffer", Argv: mbufferArgv(req.BufferSize)})
	}
	if req.Compression != "" {
		stages = append(stages, pipeline.Stage{Name: "decompress", Argv: []string{req.Compression, "-dc"}})
	}
	return append(stages, pipeline.Stage{
		Name: "zfs receive", Argv: append([]string{a.zfsBin}, receiveArgs(req)...),
	})
}

// Transfer composes and runs the full replication pipeline for req:
//
//	push: zfs send | [mbuffer] | [comp -c] | ssh '[comp -dc |] [mbuffer |] zfs receive -F tgt'
//	pull: ssh 'zfs send | [comp -c] | [mbuffer]' | [mbuffer] | [comp -dc] | zfs receive -F tgt
//
// Nonzero exit of any stage is the transfer's failure.
func (a *Adapter) Transfer(ctx context.Context, req TransferRequest) error {
	var stages []pipeline.Stage
	switch {
	case req.Endpoint.IsLocal():
		stages = localStages(a, req)
	case req.Direction == Pull:
		stages = pullStages(a, req)
	default:
		stages = pushStages(a, req)
	}
	return a.runPipeline(ctx, req.LogCommands, stages)
}

func (a *Adapter) runPipeline(ctx context.Context, logCommands bool, stages []pipeline.Stage) error {
	p, err := pipeline.New(stages...)
	if err != nil {
		return err
	}
	if logCommands {
		klog.V(1).Infof("Executing pipeline: %s", p)
	}
	return p.Run(ctx)
}
