package airdroptesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	PostgresImage = "postgres:16-alpine"

	postgresStartAttempts = 3
)

// StartPostgres runs a throwaway PostgreSQL container and returns its DSN
// along with a function that terminates it.
func StartPostgres(ctx context.Context, log *slog.Logger, image string) (string, func(), error) {
	if image == "" {
		image = PostgresImage
	}

	var (
		container *tcpostgres.PostgresContainer
		err       error
	)
	for attempt := 1; attempt <= postgresStartAttempts; attempt++ {
		container, err = tcpostgres.Run(ctx, image,
			tcpostgres.WithDatabase("airdrop"),
			tcpostgres.WithUsername("airdrop"),
			tcpostgres.WithPassword("airdrop"),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err == nil || !transientStartErr(err) {
			break
		}
		log.Warn("testing: postgres container failed to start, retrying", "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	terminate := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			log.Error("testing: failed to terminate postgres container", "error", err)
		}
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return "", nil, fmt.Errorf("failed to get postgres connection string: %w", err)
	}
	return dsn, terminate, nil
}

// RequirePostgres starts a container for the lifetime of t and returns its
// DSN. Skipped under -short.
func RequirePostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	dsn, terminate, err := StartPostgres(t.Context(), NewLogger(), "")
	require.NoError(t, err)
	t.Cleanup(terminate)
	return dsn
}

func transientStartErr(err error) bool {
	s := err.Error()
	for _, p := range []string{"wait until ready", "mapped port", "timeout", "context deadline exceeded"} {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
