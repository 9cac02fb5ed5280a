// Package orchestrator drives OTA rollouts for the managed services: one
// single-flight state machine per service, from proposal through download,
// verify, backup, install, restart, and heartbeat confirmation, with
// rollback to the last restore point on any post-backup failure.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skylark-robotics/launcher/internal/bus"
	"github.com/skylark-robotics/launcher/internal/installer"
	"github.com/skylark-robotics/launcher/internal/lifecycle"
	"github.com/skylark-robotics/launcher/internal/metrics"
	"github.com/skylark-robotics/launcher/internal/monitor/registry"
	"github.com/skylark-robotics/launcher/internal/ota/artifact"
	"github.com/skylark-robotics/launcher/internal/ota/version"
)

// ArtifactStore is the slice of the artifact workspace the orchestrator
// needs; *artifact.Store implements it.
type ArtifactStore interface {
	Download(ctx context.Context, url, filename string) (artifact.Ref, error)
	Verify(ref artifact.Ref, want string) error
	Discard(ref artifact.Ref)
	StoreBackup(pkg, version, snapshotPath string) (artifact.BackupRef, error)
	Cleanup(pkg string)
}

// ServiceSpec binds a managed service name to its OS package and systemd
// unit.
type ServiceSpec struct {
	Package string
	Unit    string
}

type Deps struct {
	Registry  *registry.Registry
	Feed      version.FeedSource
	Store     ArtifactStore
	Installer installer.Installer
	Lifecycle lifecycle.Manager
	Events    *bus.Publisher
	Services  map[string]ServiceSpec

	AllowDowngrade bool
	SourceFilter   string
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	InstallTimeout time.Duration
	HistoryLimit   int
}

type Orchestrator struct {
	deps Deps

	mu      sync.Mutex
	jobs    map[string]*Job // active job per service
	history []*Job          // terminal jobs, newest first, bounded
}

func New(deps Deps) *Orchestrator {
	if deps.ConfirmTimeout <= 0 {
		deps.ConfirmTimeout = 2 * time.Minute
	}
	if deps.ConfirmPoll <= 0 {
		deps.ConfirmPoll = time.Second
	}
	if deps.InstallTimeout <= 0 {
		deps.InstallTimeout = 10 * time.Minute
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = 20
	}
	return &Orchestrator{deps: deps, jobs: make(map[string]*Job)}
}

// Propose admits a rollout for service to toVersion. Admission happens
// atomically under the job-table lock before any I/O: a second proposal for
// a busy service is rejected, except that a proposal matching a Confirming
// job's target attaches to that job instead of failing. A 2xx here means
// admitted, not succeeded; callers poll status for the terminal state.
func (o *Orchestrator) Propose(ctx context.Context, service, toVersion string) (*Job, error) {
	spec, ok := o.deps.Services[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	installed := ""
	if rec, ok := o.deps.Registry.Get(service); ok {
		installed = rec.Version
	}
	if installed != "" {
		if toVersion == installed {
			return nil, fmt.Errorf("%w: %s", ErrVersionCurrent, toVersion)
		}
		eligible, err := version.Eligible(toVersion, installed, o.deps.AllowDowngrade)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIneligibleVersion, err)
		}
		if !eligible {
			return nil, fmt.Errorf("%w: %s -> %s", ErrIneligibleVersion, installed, toVersion)
		}
	}

	o.mu.Lock()
	if existing, busy := o.jobs[service]; busy {
		if existing.State == StateConfirming && existing.ToVersion == toVersion {
			// Duplicate of an almost-finished rollout; attach instead of
			// rejecting so retrying callers see the same job.
			attached := *existing
			o.mu.Unlock()
			return &attached, nil
		}
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrUpdateInFlight, service, existing.State)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Service:     service,
		Package:     spec.Package,
		Unit:        spec.Unit,
		FromVersion: installed,
		ToVersion:   toVersion,
		State:       StateProposed,
		StartedAt:   time.Now(),
	}
	o.jobs[service] = job
	accepted := *job
	o.mu.Unlock()

	log.Info().Str("job", job.ID).Str("service", service).Str("from", installed).Str("to", toVersion).Msg("update proposed")
	o.publishTransition(&accepted)
	go o.run(job)

	return &accepted, nil
}

// Cancel aborts a job that has not passed the point of no return. Only
// Proposed and Downloading jobs may be cancelled; from BackingUp onward a
// partial install cannot be safely abandoned.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, job := range o.jobs {
		if job.ID != jobID {
			continue
		}
		if job.State != StateProposed && job.State != StateDownloading {
			return fmt.Errorf("%w: %s", ErrCancelNotAllowed, job.State)
		}
		job.canceled = true
		return nil
	}
	return ErrJobNotFound
}

// Active returns a copy of the non-terminal job for service, if any.
func (o *Orchestrator) Active(service string) (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[service]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Jobs returns copies of all active jobs and the bounded terminal history,
// newest first.
func (o *Orchestrator) Jobs() (active []Job, history []Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, job := range o.jobs {
		active = append(active, *job)
	}
	for _, job := range o.history {
		history = append(history, *job)
	}
	return active, history
}

// run executes the pipeline for one admitted job. It owns the job until the
// terminal state; all shared-state mutation goes through setState/finish
// under the table lock, and no I/O happens while the lock is held.
func (o *Orchestrator) run(job *Job) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job", job.ID).Str("service", job.Service).Msg("update pipeline panic")
			o.finish(job, StateFailed, ReasonInstallError, fmt.Errorf("pipeline panic: %v", r))
		}
	}()

	if o.isCanceled(job) {
		o.finish(job, StateFailed, ReasonCanceled, fmt.Errorf("cancelled before download"))
		return
	}

	// Downloading
	o.setState(job, StateDownloading)
	rel, err := o.deps.Feed.Latest(ctx)
	if err != nil {
		o.finish(job, StateFailed, ReasonDownloadError, err)
		return
	}
	asset := rel.AssetFor(job.Package, o.deps.SourceFilter)
	if asset == nil {
		o.finish(job, StateFailed, ReasonDownloadError, fmt.Errorf("release feed has no artifact for %s", job.Package))
		return
	}
	if asset.Version != "" && asset.Version != job.ToVersion {
		o.finish(job, StateFailed, ReasonDownloadError, fmt.Errorf("feed offers %s, job wants %s", asset.Version, job.ToVersion))
		return
	}
	ref, err := o.deps.Store.Download(ctx, asset.URL, asset.Name)
	if err != nil {
		o.finish(job, StateFailed, ReasonDownloadError, err)
		return
	}
	o.setArtifact(job, ref)

	if o.isCanceled(job) {
		o.deps.Store.Discard(ref)
		o.finish(job, StateFailed, ReasonCanceled, fmt.Errorf("cancelled during download"))
		return
	}

	// Verifying
	o.setState(job, StateVerifying)
	if err := o.deps.Store.Verify(ref, asset.Digest); err != nil {
		o.deps.Store.Discard(ref)
		o.finish(job, StateFailed, ReasonVerifyError, err)
		return
	}

	// BackingUp: an update never proceeds without a restore point.
	o.setState(job, StateBackingUp)
	snapshot, err := o.deps.Installer.Snapshot(ctx, job.Package)
	if err != nil {
		o.deps.Store.Discard(ref)
		o.finish(job, StateFailed, ReasonBackupError, err)
		return
	}
	backup, err := o.deps.Store.StoreBackup(job.Package, job.FromVersion, snapshot)
	os.RemoveAll(filepath.Dir(snapshot))
	if err != nil {
		o.deps.Store.Discard(ref)
		o.finish(job, StateFailed, ReasonBackupError, err)
		return
	}
	o.setBackup(job, backup)

	// Installing
	o.setState(job, StateInstalling)
	installCtx, cancel := context.WithTimeout(ctx, o.deps.InstallTimeout)
	err = o.deps.Installer.Install(installCtx, ref.Path)
	cancel()
	if err != nil {
		o.rollback(job, fmt.Errorf("install failed: %w", err))
		o.deps.Store.Discard(ref)
		return
	}

	// Restarting
	o.setState(job, StateRestarting)
	restartedAt := time.Now()
	if err := o.deps.Lifecycle.Restart(ctx, job.Unit); err != nil {
		o.rollback(job, fmt.Errorf("restart failed: %w", err))
		o.deps.Store.Discard(ref)
		return
	}

	// Confirming: wait for the restarted service to report the new version.
	o.setState(job, StateConfirming)
	confirmed, confirmErr := o.awaitConfirmation(job, restartedAt)
	o.deps.Store.Discard(ref)
	if confirmed {
		o.deps.Registry.ClearUpdateAvailable(job.Service)
		o.deps.Store.Cleanup(job.Package)
		o.finish(job, StateSucceeded, "", nil)
		return
	}
	o.rollbackAfterConfirm(job, confirmErr)
}

// awaitConfirmation polls the registry until a heartbeat newer than the
// restart reports a version, or the confirmation window closes.
func (o *Orchestrator) awaitConfirmation(job *Job, restartedAt time.Time) (bool, error) {
	deadline := time.Now().Add(o.deps.ConfirmTimeout)
	t := time.NewTicker(o.deps.ConfirmPoll)
	defer t.Stop()
	for now := range t.C {
		rec, ok := o.deps.Registry.Get(job.Service)
		if ok && rec.LastHeartbeatAt.After(restartedAt) {
			switch rec.Version {
			case job.ToVersion:
				return true, nil
			case job.FromVersion:
				return false, fmt.Errorf("service came back on old version %s", rec.Version)
			}
			// A heartbeat with an unexpected version; keep waiting, the
			// service may still be mid-restart.
		}
		if now.After(deadline) {
			return false, fmt.Errorf("no heartbeat with version %s within %s", job.ToVersion, o.deps.ConfirmTimeout)
		}
	}
	return false, nil
}

// rollback handles failures during Installing or Restarting: restore the
// just-taken backup and restart; if even the restore fails the service may
// be down and the failure is escalated as an operator alarm.
func (o *Orchestrator) rollback(job *Job, cause error) {
	ctx := context.Background()
	log.Warn().Err(cause).Str("job", job.ID).Str("service", job.Service).Msg("update failed, attempting rollback")
	if err := o.restore(ctx, job); err != nil {
		o.escalateRollbackFailure(job, cause, err)
		o.finish(job, StateFailed, ReasonUnrecoverable, fmt.Errorf("%v; restore failed: %v", cause, err))
		return
	}
	o.finish(job, StateRolledBack, ReasonInstallError, cause)
}

// rollbackAfterConfirm handles a failed confirmation: the new version is
// installed but unhealthy, so restore and restart.
func (o *Orchestrator) rollbackAfterConfirm(job *Job, cause error) {
	ctx := context.Background()
	log.Warn().Err(cause).Str("job", job.ID).Str("service", job.Service).Msg("update unconfirmed, rolling back")
	if err := o.restore(ctx, job); err != nil {
		o.escalateRollbackFailure(job, cause, err)
		o.finish(job, StateFailed, ReasonPostInstall, fmt.Errorf("%v; restore failed: %v", cause, err))
		return
	}
	o.finish(job, StateRolledBack, ReasonConfirmationTimeout, cause)
}

func (o *Orchestrator) restore(ctx context.Context, job *Job) error {
	restoreCtx, cancel := context.WithTimeout(ctx, o.deps.InstallTimeout)
	defer cancel()
	if err := o.deps.Installer.Restore(restoreCtx, job.Backup.Path); err != nil {
		return err
	}
	return o.deps.Lifecycle.Restart(ctx, job.Unit)
}

// escalateRollbackFailure is the loudest path in the launcher: the service
// may now be stopped with no automatic recovery.
func (o *Orchestrator) escalateRollbackFailure(job *Job, cause, restoreErr error) {
	metrics.RollbackFailuresTotal.WithLabelValues(job.Service).Inc()
	log.Error().
		Str("job", job.ID).
		Str("service", job.Service).
		AnErr("cause", cause).
		AnErr("restore", restoreErr).
		Msg("ROLLBACK FAILED: service may be down, manual intervention required")
	o.deps.Events.Publish(context.Background(), bus.AlarmsChannel, map[string]any{
		"kind":    "rollback_failure",
		"job":     job.ID,
		"service": job.Service,
		"cause":   cause.Error(),
		"restore": restoreErr.Error(),
		"at":      time.Now(),
	})
}

func (o *Orchestrator) isCanceled(job *Job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return job.canceled
}

func (o *Orchestrator) setState(job *Job, state JobState) {
	o.mu.Lock()
	job.State = state
	snapshot := *job
	o.mu.Unlock()
	log.Info().Str("job", job.ID).Str("service", job.Service).Str("state", string(state)).Msg("update state change")
	o.publishTransition(&snapshot)
}

func (o *Orchestrator) setArtifact(job *Job, ref artifact.Ref) {
	o.mu.Lock()
	job.Artifact = ref
	o.mu.Unlock()
}

func (o *Orchestrator) setBackup(job *Job, ref artifact.BackupRef) {
	o.mu.Lock()
	job.Backup = ref
	o.mu.Unlock()
}

// finish moves the job to its terminal state and into the bounded history.
// Only a Succeeded job clears the service's update_available flag: after a
// rollback or failure the known update stays visible for retry.
func (o *Orchestrator) finish(job *Job, state JobState, reason FailureReason, cause error) {
	o.mu.Lock()
	job.State = state
	job.Reason = reason
	if cause != nil {
		job.Error = cause.Error()
	}
	job.FinishedAt = time.Now()
	delete(o.jobs, job.Service)
	o.history = append([]*Job{job}, o.history...)
	if len(o.history) > o.deps.HistoryLimit {
		o.history = o.history[:o.deps.HistoryLimit]
	}
	snapshot := *job
	o.mu.Unlock()

	metrics.UpdateJobsTotal.WithLabelValues(job.Service, string(state)).Inc()
	metrics.UpdateDurationSeconds.WithLabelValues(job.Service).Observe(snapshot.FinishedAt.Sub(snapshot.StartedAt).Seconds())

	evt := log.Info()
	if state != StateSucceeded {
		evt = log.Warn()
	}
	evt.Str("job", snapshot.ID).
		Str("service", snapshot.Service).
		Str("state", string(state)).
		Str("reason", string(reason)).
		Str("error", snapshot.Error).
		Msg("update finished")
	o.publishTransition(&snapshot)
}

func (o *Orchestrator) publishTransition(job *Job) {
	o.deps.Events.Publish(context.Background(), bus.UpdateEventsChannel, map[string]any{
		"job":     job.ID,
		"service": job.Service,
		"state":   job.State,
		"from":    job.FromVersion,
		"to":      job.ToVersion,
		"error":   job.Error,
		"at":      time.Now(),
	})
}
