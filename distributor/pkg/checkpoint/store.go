package checkpoint

import (
	"context"

	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
)

// Store durably tracks recipients whose transfers have been confirmed.
type Store interface {
	// Load returns every recipient recorded so far. An empty ledger means
	// there is nothing to resume.
	Load(ctx context.Context) (*ledger.Ledger, error)
	// Record adds the batch's recipients. It returns only once they are durable.
	Record(ctx context.Context, batch ledger.Batch) error
	// Clear removes the checkpoint after a fully successful run.
	Clear(ctx context.Context) error
	Close() error
}
