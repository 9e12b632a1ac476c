package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	airdroptesting "github.com/malbeclabs/airdrop/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T, path string) *FileStore {
	t.Helper()
	s, err := NewFileStore(FileStoreConfig{
		Logger: airdroptesting.NewLogger(),
		Path:   path,
	})
	require.NoError(t, err)
	return s
}

func TestAirdrop_Checkpoint_NewFileStore(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		s, err := NewFileStore(FileStoreConfig{Path: "x.json"})
		require.ErrorContains(t, err, "logger is required")
		require.Nil(t, s)
	})

	t.Run("missing path", func(t *testing.T) {
		t.Parallel()
		s, err := NewFileStore(FileStoreConfig{Logger: airdroptesting.NewLogger()})
		require.ErrorContains(t, err, "path is required")
		require.Nil(t, s)
	})
}

func TestAirdrop_Checkpoint_FileStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("missing file loads empty", func(t *testing.T) {
		t.Parallel()
		s := newTestFileStore(t, filepath.Join(t.TempDir(), "checkpoint.json"))
		exists, err := s.Exists()
		require.NoError(t, err)
		require.False(t, exists)

		done, err := s.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, done.Len())
	})

	t.Run("record appends and persists", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "checkpoint.json")
		s := newTestFileStore(t, path)

		require.NoError(t, s.Record(ctx, ledger.NewBatch(0, []ledger.Entry{{Address: "A", Amount: 1.5}, {Address: "B", Amount: 2}})))
		require.NoError(t, s.Record(ctx, ledger.NewBatch(1, []ledger.Entry{{Address: "C", Amount: 3}})))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.JSONEq(t, `{"A": 1.5, "B": 2, "C": 3}`, string(data))

		reopened := newTestFileStore(t, path)
		done, err := reopened.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, []ledger.Entry{{Address: "A", Amount: 1.5}, {Address: "B", Amount: 2}, {Address: "C", Amount: 3}}, done.Entries())
	})

	t.Run("record on resume keeps earlier entries", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "checkpoint.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"A": 1}`), 0o644))

		s := newTestFileStore(t, path)
		require.NoError(t, s.Record(ctx, ledger.NewBatch(0, []ledger.Entry{{Address: "B", Amount: 2}, {Address: "A", Amount: 1}})))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.JSONEq(t, `{"A": 1, "B": 2}`, string(data))
	})

	t.Run("empty batch still writes the file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "checkpoint.json")
		s := newTestFileStore(t, path)
		require.NoError(t, s.Record(ctx, ledger.NewBatch(0, nil)))
		exists, err := s.Exists()
		require.NoError(t, err)
		require.True(t, exists)
	})

	t.Run("clear removes the file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "checkpoint.json")
		s := newTestFileStore(t, path)
		require.NoError(t, s.Record(ctx, ledger.NewBatch(0, []ledger.Entry{{Address: "A", Amount: 1}})))
		require.NoError(t, s.Clear(ctx))

		_, err := os.Stat(path)
		require.ErrorIs(t, err, os.ErrNotExist)
		require.NoError(t, s.Clear(ctx), "clearing twice is fine")

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		require.Empty(t, entries, "no temp files left behind")
	})

	t.Run("corrupt file is an error", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "checkpoint.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"A": `), 0o644))
		s := newTestFileStore(t, path)
		_, err := s.Load(ctx)
		require.Error(t, err)
	})
}
