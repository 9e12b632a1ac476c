package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

type PostgresStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	// RunKey scopes rows to one distribution, e.g. the mint and input file.
	RunKey string
}

func (cfg *PostgresStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.RunKey == "" {
		return errors.New("run key is required")
	}
	return nil
}

// DefaultRunKey scopes a distribution by mint and input file name, so two
// mints distributed from files with the same name never share rows.
func DefaultRunKey(mint solana.PublicKey, balancesPath string) string {
	name := strings.TrimSuffix(filepath.Base(balancesPath), filepath.Ext(balancesPath))
	return mint.String() + "/" + name
}

// PostgresStore keeps checkpoints in the distribution_checkpoints table.
type PostgresStore struct {
	log *slog.Logger
	cfg PostgresStoreConfig
}

func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresStore{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// OpenPostgres connects a pool to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// RunMigrations applies the embedded checkpoint migrations to dsn.
func RunMigrations(ctx context.Context, log *slog.Logger, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("checkpoint: running postgres migrations")
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*ledger.Ledger, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT address, amount
		FROM distribution_checkpoints
		WHERE run_key = $1
		ORDER BY recorded_at, batch_index, position`, s.cfg.RunKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	l := ledger.New()
	for rows.Next() {
		var address string
		var amount float64
		if err := rows.Scan(&address, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if err := l.Add(address, amount); err != nil {
			return nil, fmt.Errorf("invalid checkpoint row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}

	if l.Len() > 0 {
		s.log.Info("checkpoint: loaded", "run_key", s.cfg.RunKey, "recipients", l.Len())
	}
	return l, nil
}

func (s *PostgresStore) Record(ctx context.Context, batch ledger.Batch) error {
	err := pgx.BeginFunc(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		for i, e := range batch.Entries() {
			if _, err := tx.Exec(ctx, `
				INSERT INTO distribution_checkpoints (run_key, address, amount, batch_index, position)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (run_key, address) DO NOTHING`,
				s.cfg.RunKey, e.Address, e.Amount, batch.Index, i); err != nil {
				return fmt.Errorf("failed to insert %s: %w", e.Address, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record batch %d: %w", batch.Index, err)
	}
	s.log.Debug("checkpoint: recorded batch", "run_key", s.cfg.RunKey, "batch", batch.Index, "recipients", batch.Len())
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	tag, err := s.cfg.Pool.Exec(ctx, `DELETE FROM distribution_checkpoints WHERE run_key = $1`, s.cfg.RunKey)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	s.log.Info("checkpoint: cleared", "run_key", s.cfg.RunKey, "rows", tag.RowsAffected())
	return nil
}

func (s *PostgresStore) Close() error {
	s.cfg.Pool.Close()
	return nil
}
