// Package artifact manages the launcher's on-disk package workspace:
// downloaded release artifacts and the per-service ring of restore points.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Ref locates a downloaded artifact.
type Ref struct {
	Path   string `json:"path"`
	Digest string `json:"digest"` // sha256:<hex> of the file content
}

// BackupRef locates one restore point in the backup ring.
type BackupRef struct {
	Path    string    `json:"path"`
	Package string    `json:"package"`
	Version string    `json:"version"`
	TakenAt time.Time `json:"takenAt"`
}

type Store struct {
	dir         string
	backupCount int
	client      *http.Client
}

// NewStore creates the workspace directory if needed. backupCount is the
// number of restore generations retained per package, minimum 1.
func NewStore(dir string, backupCount int, timeout time.Duration) (*Store, error) {
	if backupCount < 1 {
		backupCount = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
	}
	return &Store{dir: dir, backupCount: backupCount, client: &http.Client{Timeout: timeout}}, nil
}

// Download fetches url into the workspace under filename. The file is
// written to a temp path and renamed only when complete, so a failed
// download leaves no partial artifact behind.
func (s *Store) Download(ctx context.Context, url, filename string) (Ref, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Ref{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Ref{}, fmt.Errorf("download of %s returned %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(s.dir, filename+".partial-*")
	if err != nil {
		return Ref{}, err
	}
	hash := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, hash), resp.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("failed to write artifact %s: %w", filename, err)
	}

	dst := filepath.Join(s.dir, filename)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return Ref{}, err
	}
	return Ref{Path: dst, Digest: "sha256:" + hex.EncodeToString(hash.Sum(nil))}, nil
}

// Verify checks the downloaded artifact against the digest published by the
// release feed. A feed without digests passes with a warning; a mismatch is
// a hard failure and the artifact is discarded by the caller.
func (s *Store) Verify(ref Ref, want string) error {
	if want == "" {
		log.Warn().Str("path", ref.Path).Msg("release feed published no digest, skipping verification")
		return nil
	}
	if !strings.EqualFold(normalizeDigest(ref.Digest), normalizeDigest(want)) {
		return fmt.Errorf("digest mismatch for %s: got %s, want %s", ref.Path, ref.Digest, want)
	}
	return nil
}

// Discard removes a downloaded artifact, e.g. after verification failure.
func (s *Store) Discard(ref Ref) {
	if ref.Path == "" {
		return
	}
	if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", ref.Path).Msg("failed to discard artifact")
	}
}

// StoreBackup files a snapshot produced by the installer into the backup
// ring for pkg and prunes the ring to the configured generation count,
// oldest first.
func (s *Store) StoreBackup(pkg, version, snapshotPath string) (BackupRef, error) {
	takenAt := time.Now()
	name := fmt.Sprintf("%s_%s_%d.backup", pkg, version, takenAt.UnixNano())
	dst := filepath.Join(s.dir, name)
	if err := copyFile(snapshotPath, dst); err != nil {
		return BackupRef{}, fmt.Errorf("failed to store backup for %s: %w", pkg, err)
	}
	if err := s.pruneBackups(pkg); err != nil {
		log.Warn().Err(err).Str("package", pkg).Msg("failed to prune backup ring")
	}
	return BackupRef{Path: dst, Package: pkg, Version: version, TakenAt: takenAt}, nil
}

// Backups lists the ring for pkg, newest first.
func (s *Store) Backups(pkg string) ([]BackupRef, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var refs []BackupRef
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, pkg+"_") || !strings.HasSuffix(name, ".backup") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(name, ".backup"), "_")
		if len(parts) < 3 {
			continue
		}
		var ts int64
		fmt.Sscanf(parts[len(parts)-1], "%d", &ts)
		refs = append(refs, BackupRef{
			Path:    filepath.Join(s.dir, name),
			Package: pkg,
			Version: parts[len(parts)-2],
			TakenAt: time.Unix(0, ts),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].TakenAt.After(refs[j].TakenAt) })
	return refs, nil
}

func (s *Store) pruneBackups(pkg string) error {
	refs, err := s.Backups(pkg)
	if err != nil {
		return err
	}
	for _, ref := range refs[min(len(refs), s.backupCount):] {
		if err := os.Remove(ref.Path); err != nil {
			return err
		}
		log.Debug().Str("path", ref.Path).Msg("evicted oldest backup generation")
	}
	return nil
}

// Cleanup removes downloaded artifacts for pkg that are no longer needed,
// leaving the backup ring untouched.
func (s *Store) Cleanup(pkg string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, pkg+"_") && !strings.HasSuffix(name, ".backup") {
			os.Remove(filepath.Join(s.dir, name))
		}
	}
}

func normalizeDigest(d string) string {
	return strings.TrimPrefix(strings.TrimSpace(d), "sha256:")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
