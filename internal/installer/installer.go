// Package installer wraps the OS package manager. The orchestrator only
// talks to the Installer interface; the mechanics of dpkg stay here.
package installer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

type Installer interface {
	// InstalledVersion reports the currently installed version of pkg.
	InstalledVersion(ctx context.Context, pkg string) (string, error)
	// Snapshot produces a restore point for the currently installed pkg
	// and returns its file path. The caller owns filing it into the
	// backup ring and deleting the original.
	Snapshot(ctx context.Context, pkg string) (string, error)
	// Install installs the package file at path.
	Install(ctx context.Context, path string) error
	// Restore reinstalls a previously taken snapshot.
	Restore(ctx context.Context, path string) error
}

// Dpkg drives the Debian package manager, matching how the onboard services
// are shipped (one .deb per service).
type Dpkg struct {
	workDir string
}

func NewDpkg(workDir string) *Dpkg {
	return &Dpkg{workDir: workDir}
}

func (d *Dpkg) InstalledVersion(ctx context.Context, pkg string) (string, error) {
	out, err := exec.CommandContext(ctx, "dpkg-query", "-W", "-f=${Version}", pkg).Output()
	if err != nil {
		return "", fmt.Errorf("failed to query version of %s: %w", pkg, err)
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "", fmt.Errorf("package %s not installed", pkg)
	}
	return v, nil
}

func (d *Dpkg) Snapshot(ctx context.Context, pkg string) (string, error) {
	tmpDir, err := os.MkdirTemp(d.workDir, "snapshot-"+pkg+"-*")
	if err != nil {
		return "", err
	}
	// dpkg-repack rebuilds an installable .deb from the installed files.
	cmd := exec.CommandContext(ctx, "dpkg-repack", pkg)
	cmd.Dir = tmpDir
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("dpkg-repack %s failed: %w: %s", pkg, err, strings.TrimSpace(string(out)))
	}
	matches, err := filepath.Glob(filepath.Join(tmpDir, "*.deb"))
	if err != nil || len(matches) == 0 {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("dpkg-repack %s produced no package", pkg)
	}
	return matches[0], nil
}

func (d *Dpkg) Install(ctx context.Context, path string) error {
	log.Info().Str("path", path).Msg("installing package")
	cmd := exec.CommandContext(ctx, "dpkg", "-i", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dpkg -i %s failed: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *Dpkg) Restore(ctx context.Context, path string) error {
	log.Warn().Str("path", path).Msg("restoring package from backup")
	return d.Install(ctx, path)
}
