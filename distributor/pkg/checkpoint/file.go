package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
)

type FileStoreConfig struct {
	Logger *slog.Logger
	Path   string
}

func (cfg *FileStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// FileStore keeps the checkpoint as a JSON object of address to amount, the
// same shape as the input balances file.
type FileStore struct {
	log  *slog.Logger
	cfg  FileStoreConfig
	done *ledger.Ledger
}

func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FileStore{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *FileStore) Path() string {
	return s.cfg.Path
}

// Exists reports whether a checkpoint file from an unfinished run is present.
func (s *FileStore) Exists() (bool, error) {
	_, err := os.Stat(s.cfg.Path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat checkpoint: %w", err)
}

func (s *FileStore) Load(ctx context.Context) (*ledger.Ledger, error) {
	l, err := ledger.LoadFile(s.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.done = ledger.New()
		return ledger.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	s.log.Info("checkpoint: loaded", "path", s.cfg.Path, "recipients", l.Len())
	s.done = l
	return l.Without(nil), nil
}

func (s *FileStore) Record(ctx context.Context, batch ledger.Batch) error {
	if s.done == nil {
		if _, err := s.Load(ctx); err != nil {
			return err
		}
	}

	next := s.done.Without(nil)
	for _, e := range batch.Entries() {
		if !next.Has(e.Address) {
			if err := next.Add(e.Address, e.Amount); err != nil {
				return fmt.Errorf("failed to record %s: %w", e.Address, err)
			}
		}
	}

	if err := writeFileAtomic(s.cfg.Path, next); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	s.done = next
	s.log.Debug("checkpoint: recorded batch", "batch", batch.Index, "recipients", batch.Len(), "total", next.Len())
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	s.done = ledger.New()
	s.log.Info("checkpoint: cleared", "path", s.cfg.Path)
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// writeFileAtomic writes l next to path and renames it into place so a
// crash never leaves a truncated checkpoint behind.
func writeFileAtomic(path string, l *ledger.Ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
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
	return os.Rename(tmpName, path)
}
