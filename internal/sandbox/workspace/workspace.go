// Package workspace manages the per-user host directories that get bind
// mounted into sandbox containers, and archives them to object storage when
// a sandbox is deleted.
package workspace

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentbox/internal/common/storage"
	"agentbox/pkg/errors"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultContainerPath is where the workspace appears inside the container.
	DefaultContainerPath = "/workspace"

	archivePrefix = "workspaces"
)

// Config configures the workspace manager.
type Config struct {
	// RootDir is the host directory under which per-user workspaces live.
	RootDir string `yaml:"root_dir"`

	// ContainerPath is the mount point inside the container.
	ContainerPath string `yaml:"container_path"`

	// ArchiveBucket is the object storage bucket archives are written to.
	ArchiveBucket string `yaml:"archive_bucket"`
}

// DefaultConfig returns a workspace configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:       "/var/lib/agentbox/workspaces",
		ContainerPath: DefaultContainerPath,
		ArchiveBucket: "agentbox-workspaces",
	}
}

// Manager creates, mounts, archives and removes per-user workspace
// directories. Object storage is optional; without it Archive is a no-op.
type Manager struct {
	root          string
	containerPath string
	store         storage.ObjectStorage
	bucket        string
}

// NewManager creates a workspace manager rooted at cfg.RootDir.
func NewManager(cfg *Config, store storage.ObjectStorage) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	containerPath := cfg.ContainerPath
	if containerPath == "" {
		containerPath = DefaultContainerPath
	}
	return &Manager{
		root:          cfg.RootDir,
		containerPath: containerPath,
		store:         store,
		bucket:        cfg.ArchiveBucket,
	}
}

// Ensure creates the workspace directory for userID if it does not exist and
// returns its host path.
func (m *Manager) Ensure(userID string) (string, error) {
	dir, err := m.dirFor(userID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, errors.WorkspaceCreateFailed, "create workspace directory")
	}
	return dir, nil
}

// MountFor returns the host-to-container bind mount for userID's workspace.
// The directory must already exist (see Ensure).
func (m *Manager) MountFor(userID string) (map[string]string, error) {
	dir, err := m.dirFor(userID)
	if err != nil {
		return nil, err
	}
	return map[string]string{dir: m.containerPath}, nil
}

// ContainerPath returns the in-container mount point.
func (m *Manager) ContainerPath() string {
	return m.containerPath
}

// Archive writes a tar.gz snapshot of userID's workspace to object storage
// and returns the object name. A missing or empty workspace archives as an
// empty tarball. Without a configured store it returns "" and no error.
func (m *Manager) Archive(ctx context.Context, userID string) (string, error) {
	if m.store == nil {
		return "", nil
	}
	dir, err := m.dirFor(userID)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := writeTarGz(&buf, dir); err != nil {
		return "", errors.Wrapf(err, errors.WorkspaceArchiveFailed, "archive workspace")
	}

	objectName := fmt.Sprintf("%s/%s-%s.tar.gz", archivePrefix, userID, time.Now().UTC().Format("20060102T150405"))
	if err := m.store.EnsureBucket(ctx, m.bucket); err != nil {
		return "", errors.Wrapf(err, errors.StorageError, "ensure archive bucket")
	}
	if err := m.store.PutObject(ctx, m.bucket, objectName, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/gzip"); err != nil {
		return "", errors.Wrapf(err, errors.WorkspaceArchiveFailed, "upload workspace archive")
	}
	return objectName, nil
}

// Remove deletes userID's workspace directory from the host.
func (m *Manager) Remove(userID string) error {
	dir, err := m.dirFor(userID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, errors.WorkspaceCreateFailed, "remove workspace directory")
	}
	return nil
}

// dirFor resolves the workspace directory for userID, rejecting ids that
// would escape the root.
func (m *Manager) dirFor(userID string) (string, error) {
	if userID == "" {
		return "", errors.Newf(errors.InvalidValue, "user id is empty")
	}
	if strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return "", errors.Newf(errors.InvalidValue, "invalid user id %q", userID)
	}
	return filepath.Join(m.root, userID), nil
}

// writeTarGz streams dir's contents into w as a gzip-compressed tarball.
// Entry names are relative to dir. Symlinks are preserved as links.
func writeTarGz(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir && os.IsNotExist(walkErr) {
				// Nothing was ever written to this workspace.
				return filepath.SkipAll
			}
			return walkErr
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
