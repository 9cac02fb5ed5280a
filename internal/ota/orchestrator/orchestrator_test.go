package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-robotics/launcher/internal/monitor/registry"
	"github.com/skylark-robotics/launcher/internal/ota/artifact"
	"github.com/skylark-robotics/launcher/internal/ota/version"
)

type fakeFeed struct {
	release *version.Release
	err     error
}

func (f *fakeFeed) Latest(ctx context.Context) (*version.Release, error) {
	return f.release, f.err
}

// fakeStore satisfies ArtifactStore without touching the filesystem. An
// optional blockDownload channel holds Download open so tests can observe
// the Downloading state.
type fakeStore struct {
	mu            sync.Mutex
	blockDownload chan struct{}
	downloadErr   error
	verifyErr     error
	backupErr     error
	discarded     int
	cleanups      int
}

func (s *fakeStore) Download(ctx context.Context, url, filename string) (artifact.Ref, error) {
	s.mu.Lock()
	block := s.blockDownload
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	if s.downloadErr != nil {
		return artifact.Ref{}, s.downloadErr
	}
	return artifact.Ref{Path: "/tmp/" + filename, Digest: "sha256:feed"}, nil
}

func (s *fakeStore) Verify(ref artifact.Ref, want string) error { return s.verifyErr }

func (s *fakeStore) Discard(ref artifact.Ref) {
	s.mu.Lock()
	s.discarded++
	s.mu.Unlock()
}

func (s *fakeStore) StoreBackup(pkg, ver, snapshotPath string) (artifact.BackupRef, error) {
	if s.backupErr != nil {
		return artifact.BackupRef{}, s.backupErr
	}
	return artifact.BackupRef{Path: "/tmp/" + pkg + ".backup", Package: pkg, Version: ver, TakenAt: time.Now()}, nil
}

func (s *fakeStore) Cleanup(pkg string) {
	s.mu.Lock()
	s.cleanups++
	s.mu.Unlock()
}

// fakeInstaller tracks the installed version per package, flipping it on
// Install and back on Restore the way dpkg would.
type fakeInstaller struct {
	mu         sync.Mutex
	versions   map[string]string // package -> installed version
	pending    map[string]string // package -> version an Install would land
	installErr error
	restoreErr error
	restores   int
	tmpRoot    string
}

func newFakeInstaller(t *testing.T, pkg, installed, next string) *fakeInstaller {
	t.Helper()
	return &fakeInstaller{
		versions: map[string]string{pkg: installed},
		pending:  map[string]string{pkg: next},
		tmpRoot:  t.TempDir(),
	}
}

func (f *fakeInstaller) InstalledVersion(ctx context.Context, pkg string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[pkg], nil
}

func (f *fakeInstaller) Snapshot(ctx context.Context, pkg string) (string, error) {
	dir, err := os.MkdirTemp(f.tmpRoot, "snap-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, pkg+".deb")
	if err := os.WriteFile(path, []byte(pkg), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeInstaller) Install(ctx context.Context, path string) error {
	if f.installErr != nil {
		return f.installErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for pkg, next := range f.pending {
		f.versions[pkg] = next
	}
	return nil
}

func (f *fakeInstaller) Restore(ctx context.Context, path string) error {
	f.mu.Lock()
	f.restores++
	f.mu.Unlock()
	return f.restoreErr
}

func (f *fakeInstaller) restoreCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restores
}

// fakeLifecycle reports a fresh heartbeat into the registry on Restart,
// standing in for the restarted service coming back up.
type fakeLifecycle struct {
	reg       *registry.Registry
	installer *fakeInstaller
	service   string
	pkg       string
	silent    bool // restarted service never heartbeats
}

func (f *fakeLifecycle) Start(ctx context.Context, unit string) error { return nil }
func (f *fakeLifecycle) Stop(ctx context.Context, unit string) error  { return nil }

func (f *fakeLifecycle) Restart(ctx context.Context, unit string) error {
	if f.silent {
		return nil
	}
	v, _ := f.installer.InstalledVersion(ctx, f.pkg)
	f.reg.RecordHeartbeat(f.service, v, registry.StatusRunning, time.Now().Add(time.Millisecond))
	return nil
}

type harness struct {
	orch      *Orchestrator
	reg       *registry.Registry
	feed      *fakeFeed
	store     *fakeStore
	installer *fakeInstaller
	lifecycle *fakeLifecycle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := registry.New("gateway")
	reg.RecordHeartbeat("gateway", "1.2.0", registry.StatusRunning, time.Now().Add(-time.Minute))

	feed := &fakeFeed{release: &version.Release{
		Version: "1.3.0",
		Assets: []version.Asset{{
			Name:    "vehicle-gateway_1.3.0_arm64.deb",
			URL:     "https://releases.example/vehicle-gateway_1.3.0_arm64.deb",
			Digest:  "sha256:feed",
			Version: "1.3.0",
		}},
	}}
	store := &fakeStore{}
	inst := newFakeInstaller(t, "vehicle-gateway", "1.2.0", "1.3.0")
	lc := &fakeLifecycle{reg: reg, installer: inst, service: "gateway", pkg: "vehicle-gateway"}

	orch := New(Deps{
		Registry:  reg,
		Feed:      feed,
		Store:     store,
		Installer: inst,
		Lifecycle: lc,
		Services: map[string]ServiceSpec{
			"gateway": {Package: "vehicle-gateway", Unit: "vehicle-gateway.service"},
		},
		ConfirmTimeout: 300 * time.Millisecond,
		ConfirmPoll:    10 * time.Millisecond,
	})
	return &harness{orch: orch, reg: reg, feed: feed, store: store, installer: inst, lifecycle: lc}
}

// awaitTerminal polls the history until jobID lands there.
func awaitTerminal(t *testing.T, orch *Orchestrator, jobID string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, history := orch.Jobs()
		for _, job := range history {
			if job.ID == jobID {
				return job
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return Job{}
}

func awaitState(t *testing.T, orch *Orchestrator, service string, state JobState) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := orch.Active(service); ok && job.State == state {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("service %s never reached state %s", service, state)
	return Job{}
}

func TestProposeAdmission(t *testing.T) {
	t.Run("UnknownService", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.orch.Propose(context.Background(), "thruster", "1.3.0")
		assert.ErrorIs(t, err, ErrUnknownService)
	})

	t.Run("EqualVersionRejected", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.orch.Propose(context.Background(), "gateway", "1.2.0")
		assert.ErrorIs(t, err, ErrVersionCurrent)
	})

	t.Run("DowngradeRejectedByDefault", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.orch.Propose(context.Background(), "gateway", "1.1.0")
		assert.ErrorIs(t, err, ErrIneligibleVersion)
	})

	t.Run("SecondProposalWhileBusy", func(t *testing.T) {
		h := newHarness(t)
		h.store.blockDownload = make(chan struct{})

		job, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
		require.NoError(t, err)
		awaitState(t, h.orch, "gateway", StateDownloading)

		_, err = h.orch.Propose(context.Background(), "gateway", "1.3.0")
		assert.ErrorIs(t, err, ErrUpdateInFlight)

		close(h.store.blockDownload)
		awaitTerminal(t, h.orch, job.ID)
	})
}

func TestRolloutSucceeds(t *testing.T) {
	h := newHarness(t)
	h.reg.MarkUpdateAvailable("gateway", "1.3.0")

	job, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", job.FromVersion)

	final := awaitTerminal(t, h.orch, job.ID)
	assert.Equal(t, StateSucceeded, final.State)
	assert.Empty(t, final.Error)

	rec, ok := h.reg.Get("gateway")
	require.True(t, ok)
	assert.Equal(t, "1.3.0", rec.Version)
	assert.Nil(t, rec.Update, "update_available cleared on success")

	_, active := h.orch.Active("gateway")
	assert.False(t, active)
	h.store.mu.Lock()
	assert.Equal(t, 1, h.store.cleanups, "workspace swept after success")
	h.store.mu.Unlock()
}

func TestRolloutRollsBackOnInstallFailure(t *testing.T) {
	h := newHarness(t)
	h.reg.MarkUpdateAvailable("gateway", "1.3.0")
	h.installer.installErr = errors.New("dpkg: dependency problems")

	job, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
	require.NoError(t, err)

	final := awaitTerminal(t, h.orch, job.ID)
	assert.Equal(t, StateRolledBack, final.State)
	assert.Equal(t, ReasonInstallError, final.Reason)
	assert.Contains(t, final.Error, "dependency problems")
	assert.Equal(t, 1, h.installer.restoreCount())

	rec, _ := h.reg.Get("gateway")
	assert.Equal(t, "1.2.0", rec.Version, "service back on the old version")
	require.NotNil(t, rec.Update, "known update stays visible for retry")
	assert.Equal(t, "1.3.0", rec.Update.AvailableVersion)
}

func TestRolloutFailsOnVerifyError(t *testing.T) {
	h := newHarness(t)
	h.store.verifyErr = fmt.Errorf("digest mismatch")

	job, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
	require.NoError(t, err)

	final := awaitTerminal(t, h.orch, job.ID)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, ReasonVerifyError, final.Reason)
	assert.Equal(t, 0, h.installer.restoreCount(), "nothing installed, nothing to restore")
}

func TestRolloutEscalatesWhenRestoreFails(t *testing.T) {
	h := newHarness(t)
	h.installer.installErr = errors.New("install broke")
	h.installer.restoreErr = errors.New("restore broke too")

	job, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
	require.NoError(t, err)

	final := awaitTerminal(t, h.orch, job.ID)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, ReasonUnrecoverable, final.Reason)
	assert.Contains(t, final.Error, "restore failed")
}

func TestRolloutRollsBackOnConfirmationTimeout(t *testing.T) {
	h := newHarness(t)
	h.lifecycle.silent = true

	job, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
	require.NoError(t, err)

	final := awaitTerminal(t, h.orch, job.ID)
	assert.Equal(t, StateRolledBack, final.State)
	assert.Equal(t, ReasonConfirmationTimeout, final.Reason)
	assert.Equal(t, 1, h.installer.restoreCount())
}

func TestProposeAttachesDuringConfirming(t *testing.T) {
	h := newHarness(t)
	h.lifecycle.silent = true // hold the job in Confirming

	job, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
	require.NoError(t, err)
	awaitState(t, h.orch, "gateway", StateConfirming)

	dup, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
	require.NoError(t, err)
	assert.Equal(t, job.ID, dup.ID, "duplicate proposal attaches to the confirming job")
	assert.Equal(t, StateConfirming, dup.State)

	awaitTerminal(t, h.orch, job.ID)
}

func TestCancel(t *testing.T) {
	t.Run("DuringDownload", func(t *testing.T) {
		h := newHarness(t)
		h.store.blockDownload = make(chan struct{})

		job, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
		require.NoError(t, err)
		awaitState(t, h.orch, "gateway", StateDownloading)
		require.NoError(t, h.orch.Cancel(job.ID))

		close(h.store.blockDownload)
		final := awaitTerminal(t, h.orch, job.ID)
		assert.Equal(t, StateFailed, final.State)
		assert.Equal(t, ReasonCanceled, final.Reason)
		assert.Equal(t, 0, h.installer.restoreCount())
	})

	t.Run("UnknownJob", func(t *testing.T) {
		h := newHarness(t)
		assert.ErrorIs(t, h.orch.Cancel("no-such-job"), ErrJobNotFound)
	})

	t.Run("PastPointOfNoReturn", func(t *testing.T) {
		h := newHarness(t)
		h.lifecycle.silent = true

		job, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
		require.NoError(t, err)
		awaitState(t, h.orch, "gateway", StateConfirming)
		assert.ErrorIs(t, h.orch.Cancel(job.ID), ErrCancelNotAllowed)

		awaitTerminal(t, h.orch, job.ID)
	})
}

func TestFeedMismatchFailsDownload(t *testing.T) {
	h := newHarness(t)
	h.feed.release.Assets[0].Version = "1.4.0"
	h.feed.release.Assets[0].Name = "vehicle-gateway_1.4.0_arm64.deb"

	job, err := h.orch.Propose(context.Background(), "gateway", "1.3.0")
	require.NoError(t, err)

	final := awaitTerminal(t, h.orch, job.ID)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, ReasonDownloadError, final.Reason)
}
