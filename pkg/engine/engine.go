// Package engine runs one due dataset through its tick sequence:
// pre-hook, snapshot, replicate, post-hooks, clean. Any step's failure
// aborts the sequence for that dataset only; nothing is persisted
// between ticks — every run re-derives its view from live snapshot
// listings.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/zsnapd/zsnapd/pkg/config"
	"github.com/zsnapd/zsnapd/pkg/endpoint"
	"github.com/zsnapd/zsnapd/pkg/models"
	"github.com/zsnapd/zsnapd/pkg/retention"
	"github.com/zsnapd/zsnapd/pkg/snaptime"
	"github.com/zsnapd/zsnapd/pkg/zfs"
)

// TriggerFilename sits under a dataset's mountpoint to request a run.
const TriggerFilename = ".trigger"

// Adapter is the slice of the ZFS adapter the engine drives. The
// concrete implementation lives in pkg/zfs; tests supply fakes.
type Adapter interface {
	ListSnapshots(ctx context.Context, ep *endpoint.Endpoint, dataset string, logCommands bool) ([]models.Snapshot, error)
	CreateSnapshot(ctx context.Context, ep *endpoint.Endpoint, dataset, name string, logCommands bool) error
	DestroySnapshot(ctx context.Context, ep *endpoint.Endpoint, dataset, name string, logCommands bool) error
	Transfer(ctx context.Context, req zfs.TransferRequest) error
	ReceiveResumeToken(ctx context.Context, ep *endpoint.Endpoint, dataset string, logCommands bool) (string, error)
	EstimateSize(ctx context.Context, ep *endpoint.Endpoint, req zfs.TransferRequest, logCommands bool) (string, error)
}

// Prober answers whether an endpoint is reachable this tick.
type Prober interface {
	Check(ep *endpoint.Endpoint) error
}

// Result counts what one dataset run did.
type Result struct {
	Created            int
	Destroyed          int
	Streams            int
	ReplicationSkipped bool
}

// Engine executes dataset runs. All collaborators are injected.
type Engine struct {
	zfs   Adapter
	hooks HookRunner

	mu     sync.Mutex
	active map[string]bool
}

// New builds an engine around the given adapter and hook runner.
func New(adapter Adapter, hooks HookRunner) *Engine {
	return &Engine{zfs: adapter, hooks: hooks, active: map[string]bool{}}
}

// Process runs the full tick sequence for one due dataset. At most one
// run per dataset is ever active; an overlapping call fails
// immediately.
func (e *Engine) Process(ctx context.Context, ds *config.Dataset, probes Prober, now time.Time) (Result, error) {
	e.mu.Lock()
	if e.active[ds.Name] {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("[%s] run already active", ds.Name)
	}
	e.active[ds.Name] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, ds.Name)
		e.mu.Unlock()
	}()

	now = snaptime.FloorMinute(now)

	if ds.Time.IsTrigger() {
		e.consumeTrigger(ds)
	}

	if ds.Replication != nil && ds.Replication.Direction == config.Pull {
		return e.processPull(ctx, ds, probes, now)
	}
	return e.processPush(ctx, ds, probes, now)
}

// consumeTrigger removes the trigger file before the pre-hook runs.
// Removal failure is logged but does not abort the sequence.
func (e *Engine) consumeTrigger(ds *config.Dataset) {
	if ds.Mountpoint == "" {
		return
	}
	path := filepath.Join(ds.Mountpoint, TriggerFilename)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		klog.Warningf("[%s] Could not remove trigger file %s: %v", ds.Name, path, err)
	}
}

// processPush handles the source side of a push pair, and every
// dataset without replication.
func (e *Engine) processPush(ctx context.Context, ds *config.Dataset, probes Prober, now time.Time) (Result, error) {
	var res Result

	if ds.Preexec != "" {
		if err := e.hooks.Run(ctx, nil, "preexec", ds.Preexec, ds.LogCommands); err != nil {
			return res, fmt.Errorf("[%s] preexec: %w", ds.Name, err)
		}
	}

	local, err := e.zfs.ListSnapshots(ctx, nil, ds.Name, ds.LogCommands)
	if err != nil {
		return res, fmt.Errorf("[%s] listing snapshots: %w", ds.Name, err)
	}

	if ds.Snapshot {
		created, err := e.takeSnapshot(ctx, nil, ds.Name, ds.Name, local, now, ds.LogCommands)
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
			local = append(local, models.Snapshot{Dataset: ds.Name, Name: snaptime.FormatName(now), Creation: now})
		}
	}

	replicated := false
	var remote []models.Snapshot
	if repl := ds.Replication; repl != nil {
		switch err := probes.Check(repl.Endpoint); {
		case err == nil:
			remote, err = e.replicate(ctx, ds, repl, local, &res)
			if err != nil {
				return res, fmt.Errorf("[%s] replicating to %s: %w", ds.Name, repl.Peer, err)
			}
			replicated = true
		case isUnreachable(err):
			klog.Infof("[%s] Skipping replication, endpoint %s unreachable", ds.Name, repl.Endpoint.Addr())
			res.ReplicationSkipped = true
		default:
			return res, fmt.Errorf("[%s] probing %s: %w", ds.Name, repl.Endpoint.Addr(), err)
		}
	}

	if ds.Postexec != "" {
		if err := e.hooks.Run(ctx, nil, "postexec", ds.Postexec, ds.LogCommands); err != nil {
			return res, fmt.Errorf("[%s] postexec: %w", ds.Name, err)
		}
	}
	if replicated && ds.ReplicatePostexec != "" {
		if err := e.hooks.Run(ctx, nil, "replicate_postexec", ds.ReplicatePostexec, ds.LogCommands); err != nil {
			return res, fmt.Errorf("[%s] replicate_postexec: %w", ds.Name, err)
		}
	}

	destroyed, err := e.clean(ctx, nil, ds.Name, ds.Name, local, ds.Schema, now, ds.CleanAll, ds.LogCommands)
	res.Destroyed += destroyed
	if err != nil {
		return res, fmt.Errorf("[%s] cleaning: %w", ds.Name, err)
	}

	// On a push pair, local_schema ages the receiving side.
	if replicated && ds.LocalSchema != nil {
		destroyed, err := e.clean(ctx, ds.Replication.Endpoint, ds.Replication.Peer, ds.Name, remote, *ds.LocalSchema, now, ds.LocalCleanAll, ds.LogCommands)
		res.Destroyed += destroyed
		if err != nil {
			return res, fmt.Errorf("[%s] cleaning target %s: %w", ds.Name, ds.Replication.Peer, err)
		}
	}
	return res, nil
}

// processPull handles the receiving side of a pull pair: hooks and the
// snapshot run on the remote source, the stream lands locally.
func (e *Engine) processPull(ctx context.Context, ds *config.Dataset, probes Prober, now time.Time) (Result, error) {
	var res Result
	repl := ds.Replication
	ep := repl.Endpoint

	if err := probes.Check(ep); err != nil {
		if !isUnreachable(err) {
			return res, fmt.Errorf("[%s] probing %s: %w", ds.Name, ep.Addr(), err)
		}
		klog.Infof("[%s] Skipping pull from %s, endpoint unreachable", ds.Name, ep.Addr())
		res.ReplicationSkipped = true
		// The remote side is out of reach; local aging still runs.
		destroyed, cleanErr := e.cleanLocalSide(ctx, ds, now)
		res.Destroyed += destroyed
		return res, cleanErr
	}

	if ds.Preexec != "" {
		if err := e.hooks.Run(ctx, ep, "preexec", ds.Preexec, ds.LogCommands); err != nil {
			return res, fmt.Errorf("[%s] preexec: %w", ds.Name, err)
		}
	}

	source, err := e.zfs.ListSnapshots(ctx, ep, repl.Peer, ds.LogCommands)
	if err != nil {
		return res, fmt.Errorf("[%s] listing %s on %s: %w", ds.Name, repl.Peer, ep.Addr(), err)
	}

	if ds.Snapshot {
		created, err := e.takeSnapshot(ctx, ep, repl.Peer, ds.Name, source, now, ds.LogCommands)
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
			source = append(source, models.Snapshot{Dataset: repl.Peer, Name: snaptime.FormatName(now), Creation: now})
		}
	}

	if _, err := e.replicate(ctx, ds, repl, source, &res); err != nil {
		return res, fmt.Errorf("[%s] pulling from %s: %w", ds.Name, repl.Peer, err)
	}

	if ds.Postexec != "" {
		if err := e.hooks.Run(ctx, ep, "postexec", ds.Postexec, ds.LogCommands); err != nil {
			return res, fmt.Errorf("[%s] postexec: %w", ds.Name, err)
		}
	}
	if ds.ReplicatePostexec != "" {
		if err := e.hooks.Run(ctx, ep, "replicate_postexec", ds.ReplicatePostexec, ds.LogCommands); err != nil {
			return res, fmt.Errorf("[%s] replicate_postexec: %w", ds.Name, err)
		}
	}

	destroyed, err := e.clean(ctx, ep, repl.Peer, ds.Name, source, ds.Schema, now, ds.CleanAll, ds.LogCommands)
	res.Destroyed += destroyed
	if err != nil {
		return res, fmt.Errorf("[%s] cleaning source %s: %w", ds.Name, repl.Peer, err)
	}

	destroyed, err = e.cleanLocalSide(ctx, ds, now)
	res.Destroyed += destroyed
	return res, err
}

// cleanLocalSide ages the local dataset of a pull pair with
// local_schema, falling back to schema.
func (e *Engine) cleanLocalSide(ctx context.Context, ds *config.Dataset, now time.Time) (int, error) {
	schema := ds.Schema
	if ds.LocalSchema != nil {
		schema = *ds.LocalSchema
	}
	local, err := e.zfs.ListSnapshots(ctx, nil, ds.Name, ds.LogCommands)
	if err != nil {
		return 0, fmt.Errorf("[%s] listing snapshots: %w", ds.Name, err)
	}
	destroyed, err := e.clean(ctx, nil, ds.Name, ds.Name, local, schema, now, ds.LocalCleanAll, ds.LogCommands)
	if err != nil {
		return destroyed, fmt.Errorf("[%s] cleaning: %w", ds.Name, err)
	}
	return destroyed, nil
}

// takeSnapshot creates dataset@now unless a snapshot with that exact
// name already exists; a clock-granularity collision is success.
func (e *Engine) takeSnapshot(ctx context.Context, ep *endpoint.Endpoint, dataset, local string, existing []models.Snapshot, now time.Time, logCommands bool) (bool, error) {
	name := snaptime.FormatName(now)
	for _, snap := range existing {
		if snap.Name == name {
			klog.Infof("[%s] Snapshot %s@%s already exists", local, dataset, name)
			return false, nil
		}
	}
	klog.Infof("[%s] Taking snapshot %s@%s", local, dataset, name)
	if err := e.zfs.CreateSnapshot(ctx, ep, dataset, name, logCommands); err != nil {
		return false, fmt.Errorf("[%s] taking snapshot %s@%s: %w", local, dataset, name, err)
	}
	return true, nil
}

// replicate brings the replication peer up to date with the source
// snapshots. For push the source is local and the peer remote; for
// pull the roles are swapped. It returns the peer's snapshot list as
// known after the transfers.
func (e *Engine) replicate(ctx context.Context, ds *config.Dataset, repl *config.Replication, source []models.Snapshot, res *Result) ([]models.Snapshot, error) {
	push := repl.Direction == config.Push
	srcDataset, dstDataset := ds.Name, repl.Peer
	srcEndpoint, dstEndpoint := (*endpoint.Endpoint)(nil), repl.Endpoint
	if !push {
		srcDataset, dstDataset = repl.Peer, ds.Name
		srcEndpoint, dstEndpoint = repl.Endpoint, nil
	}

	// An interrupted receive on the destination is finished first.
	token, err := e.zfs.ReceiveResumeToken(ctx, dstEndpoint, dstDataset, ds.LogCommands)
	if err != nil {
		return nil, err
	}
	if token != "" {
		klog.Infof("[%s] Resuming interrupted receive into %s", ds.Name, dstDataset)
		req := e.transferRequest(ds, repl, srcDataset, dstDataset)
		req.ResumeToken = token
		if err := e.zfs.Transfer(ctx, req); err != nil {
			return nil, err
		}
		res.Streams++
	}

	dest, err := e.zfs.ListSnapshots(ctx, dstEndpoint, dstDataset, ds.LogCommands)
	if err != nil {
		return nil, err
	}

	src := source
	if !ds.AllSnapshots {
		src = managedOnly(source)
		dest = managedOnly(dest)
	}
	if len(src) == 0 {
		klog.Infof("[%s] Nothing to replicate, no source snapshots", ds.Name)
		return dest, nil
	}

	destNames := make(map[string]bool, len(dest))
	for _, snap := range dest {
		destNames[snap.Name] = true
	}
	common := ""
	for i := len(src) - 1; i >= 0; i-- {
		if destNames[src[i].Name] {
			common = src[i].Name
			break
		}
	}

	newest := src[len(src)-1].Name
	var transfers []zfs.TransferRequest
	switch {
	case common == newest:
		klog.Infof("[%s] %s and %s are in sync at @%s", ds.Name, srcDataset, dstDataset, newest)
	case common != "":
		req := e.transferRequest(ds, repl, srcDataset, dstDataset)
		req.FromSnapshot = common
		req.ToSnapshot = newest
		transfers = append(transfers, req)
	default:
		// Nothing in common: seed with the oldest as a full stream,
		// then walk forward incrementally.
		full := e.transferRequest(ds, repl, srcDataset, dstDataset)
		full.ToSnapshot = src[0].Name
		transfers = append(transfers, full)
		for i := 1; i < len(src); i++ {
			req := e.transferRequest(ds, repl, srcDataset, dstDataset)
			req.FromSnapshot = src[i-1].Name
			req.ToSnapshot = src[i].Name
			transfers = append(transfers, req)
		}
	}

	for _, req := range transfers {
		from := "(full)"
		if req.FromSnapshot != "" {
			from = "@" + req.FromSnapshot
		}
		if size, err := e.zfs.EstimateSize(ctx, srcEndpoint, req, ds.LogCommands); err == nil {
			klog.Infof("[%s] Sending %s %s > @%s (%s)", ds.Name, srcDataset, from, req.ToSnapshot, size)
		} else {
			klog.Infof("[%s] Sending %s %s > @%s", ds.Name, srcDataset, from, req.ToSnapshot)
		}
		if err := e.zfs.Transfer(ctx, req); err != nil {
			return nil, err
		}
		res.Streams++
	}

	if len(transfers) > 0 {
		dest, err = e.zfs.ListSnapshots(ctx, dstEndpoint, dstDataset, ds.LogCommands)
		if err != nil {
			return nil, err
		}
		klog.Infof("[%s] Replication of %s to %s complete", ds.Name, srcDataset, dstDataset)
	}
	return dest, nil
}

func (e *Engine) transferRequest(ds *config.Dataset, repl *config.Replication, srcDataset, dstDataset string) zfs.TransferRequest {
	direction := zfs.Push
	if repl.Direction == config.Pull {
		direction = zfs.Pull
	}
	return zfs.TransferRequest{
		Direction:     direction,
		Endpoint:      repl.Endpoint,
		SourceDataset: srcDataset,
		TargetDataset: dstDataset,
		Intermediates: ds.AllSnapshots,
		Compression:   repl.Compression,
		BufferSize:    repl.BufferSize,
		LogCommands:   ds.LogCommands,
	}
}

// clean runs the retention planner over the given snapshot set and
// destroys the losers, oldest first.
func (e *Engine) clean(ctx context.Context, ep *endpoint.Endpoint, dataset, local string, snapshots []models.Snapshot, schema retention.Schema, now time.Time, cleanAll bool, logCommands bool) (int, error) {
	plan := schema.Plan(snapshots, now, cleanAll)
	if len(plan.Destroy) == 0 {
		return 0, nil
	}
	klog.Infof("[%s] Cleaning %s (%d of %d snapshots)", local, dataset, len(plan.Destroy), len(snapshots))
	destroyed := 0
	for _, snap := range plan.Destroy {
		klog.Infof("[%s]   Destroying %s", local, snap.Handle())
		if err := e.zfs.DestroySnapshot(ctx, ep, dataset, snap.Name, logCommands); err != nil {
			return destroyed, err
		}
		destroyed++
	}
	klog.Infof("[%s] Cleaning %s complete", local, dataset)
	return destroyed, nil
}

func managedOnly(snapshots []models.Snapshot) []models.Snapshot {
	out := make([]models.Snapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if snaptime.IsManaged(snap.Name) {
			out = append(out, snap)
		}
	}
	return out
}

func isUnreachable(err error) bool {
	var unreachable *endpoint.UnreachableError
	return errors.As(err, &unreachable)
}
