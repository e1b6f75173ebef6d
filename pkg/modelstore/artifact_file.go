package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Artifact file names inside the artifact directory.
const (
	ScalersFile = "scalers.json"
	ForestsFile = "forests.json"
)

// FileArtifactStore keeps the artifact as two JSON files in a directory.
type FileArtifactStore struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// NewFileArtifactStore returns a store rooted at dir. The directory is created on first Save.
func NewFileArtifactStore(dir string, logger *zap.Logger) *FileArtifactStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileArtifactStore{dir: dir, logger: logger, now: time.Now}
}

// Dir returns the artifact directory.
func (s *FileArtifactStore) Dir() string {
	return s.dir
}

// Save writes forests.json then scalers.json, each through a temp file and rename.
func (s *FileArtifactStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	scalers, forests, err := EncodeSnapshot(snap, s.now())
	if err != nil {
		return &ArtifactIOError{Op: "encode", Location: s.dir, Err: err}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &ArtifactIOError{Op: "write", Location: s.dir, Err: err}
	}
	if err := writeFileAtomic(filepath.Join(s.dir, ForestsFile), forests); err != nil {
		return &ArtifactIOError{Op: "write", Location: filepath.Join(s.dir, ForestsFile), Err: err}
	}
	if err := writeFileAtomic(filepath.Join(s.dir, ScalersFile), scalers); err != nil {
		return &ArtifactIOError{Op: "write", Location: filepath.Join(s.dir, ScalersFile), Err: err}
	}

	s.logger.Info("Model artifact written",
		zap.String("dir", s.dir),
		zap.Int("tenants", snap.Len()),
		zap.Uint64("snapshot_version", snap.Version()))
	return nil
}

// Load reads both files. If either is missing the result is an empty snapshot.
func (s *FileArtifactStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scalersPath := filepath.Join(s.dir, ScalersFile)
	forestsPath := filepath.Join(s.dir, ForestsFile)

	scalers, err := os.ReadFile(scalersPath)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("No scaler artifact, starting empty", zap.String("path", scalersPath))
		return NewSnapshot(nil), nil
	}
	if err != nil {
		return nil, &ArtifactIOError{Op: "read", Location: scalersPath, Err: err}
	}

	forests, err := os.ReadFile(forestsPath)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("No forest artifact, starting empty", zap.String("path", forestsPath))
		return NewSnapshot(nil), nil
	}
	if err != nil {
		return nil, &ArtifactIOError{Op: "read", Location: forestsPath, Err: err}
	}

	snap, dropped, err := DecodeSnapshot(scalers, forests)
	if err != nil {
		return nil, &ArtifactIOError{Op: "decode", Location: s.dir, Err: err}
	}
	logDropped(s.logger, dropped)

	s.logger.Info("Model artifact loaded",
		zap.String("dir", s.dir),
		zap.Int("tenants", snap.Len()))
	return snap, nil
}

func logDropped(logger *zap.Logger, dropped []DroppedEntry) {
	for _, d := range dropped {
		logger.Warn("Dropping unpaired model from artifact",
			zap.Stringer("tenant_id", d.TenantID),
			zap.String("reason", d.Reason))
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpName, err)
	}
	return nil
}
