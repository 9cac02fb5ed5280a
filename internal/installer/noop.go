package installer

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Noop is the development-mode installer: it touches no system state and
// tracks pretend versions in memory so the update pipeline can be exercised
// on a workstation.
type Noop struct {
	mu       sync.Mutex
	workDir  string
	versions map[string]string
}

func NewNoop(workDir string) *Noop {
	return &Noop{workDir: workDir, versions: make(map[string]string)}
}

func (n *Noop) InstalledVersion(ctx context.Context, pkg string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v, ok := n.versions[pkg]; ok {
		return v, nil
	}
	return "0.0.0", nil
}

func (n *Noop) Snapshot(ctx context.Context, pkg string) (string, error) {
	path := filepath.Join(n.workDir, pkg+".snapshot")
	if err := os.WriteFile(path, []byte(pkg), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (n *Noop) Install(ctx context.Context, path string) error {
	log.Debug().Str("path", path).Msg("noop installer: skipping install")
	return nil
}

func (n *Noop) Restore(ctx context.Context, path string) error {
	log.Debug().Str("path", path).Msg("noop installer: skipping restore")
	return nil
}
