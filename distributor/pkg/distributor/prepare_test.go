package distributor

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/airdrop/distributor/pkg/ledger"
	"github.com/stretchr/testify/require"
)

func TestAirdrop_Distributor_PrepareAccounts(t *testing.T) {
	t.Parallel()

	t.Run("creates only missing accounts", func(t *testing.T) {
		t.Parallel()
		rpc := &mockRPC{}
		f := newRunFixture(t, rpc)
		existing, missing1, missing2 := newAddress(t), newAddress(t), newAddress(t)
		rpc.getAccountInfoFunc = absentAccounts(t, f.mint, missing1, missing2)

		summary, err := f.distributor(t, nil).PrepareAccounts(testContext(t), newLedger(t,
			ledger.Entry{Address: existing, Amount: 1},
			ledger.Entry{Address: missing1, Amount: 1},
			ledger.Entry{Address: "not-a-key", Amount: 1},
			ledger.Entry{Address: missing2, Amount: 1},
		), 0)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Batches)
		require.Equal(t, 2, summary.Created)
		require.Equal(t, 1, summary.Existing)
		require.Equal(t, []string{"not-a-key"}, summary.Invalid)

		sent := rpc.sentTransactions()
		require.Len(t, sent, 1)
		ixs := decodeInstructions(t, sent[0])
		require.Len(t, ixs, 3)
		require.True(t, ixs[0].program.Equals(solana.ComputeBudget))
		for i, owner := range []string{missing1, missing2} {
			ix := ixs[i+1]
			require.True(t, ix.program.Equals(solana.SPLAssociatedTokenAccountProgramID))
			require.True(t, ix.accounts[0].Equals(f.authority.PublicKey()), "authority pays for the account")
			require.True(t, ix.accounts[1].Equals(f.destination(t, owner)))
			require.True(t, ix.accounts[2].Equals(solana.MustPublicKeyFromBase58(owner)))
			require.True(t, ix.accounts[3].Equals(f.mint))
		}

		exists, err := f.store.Exists()
		require.NoError(t, err)
		require.False(t, exists, "preparing accounts keeps no checkpoint")
	})

	t.Run("nothing to create when every account exists", func(t *testing.T) {
		t.Parallel()
		rpc := &mockRPC{}
		f := newRunFixture(t, rpc)

		summary, err := f.distributor(t, nil).PrepareAccounts(testContext(t), newLedger(t,
			ledger.Entry{Address: newAddress(t), Amount: 1},
			ledger.Entry{Address: newAddress(t), Amount: 1},
		), 1)
		require.NoError(t, err)
		require.Equal(t, 2, summary.Batches)
		require.Equal(t, 2, summary.Existing)
		require.Zero(t, summary.Created)
		require.Zero(t, rpc.sends())
	})

	t.Run("largest batch fits one transaction", func(t *testing.T) {
		t.Parallel()
		rpc := &mockRPC{}
		f := newRunFixture(t, rpc)
		entries := make([]ledger.Entry, 0, MaxPrepareBatchSize)
		owners := make([]string, 0, MaxPrepareBatchSize)
		for range MaxPrepareBatchSize {
			owner := newAddress(t)
			owners = append(owners, owner)
			entries = append(entries, ledger.Entry{Address: owner, Amount: 1})
		}
		rpc.getAccountInfoFunc = absentAccounts(t, f.mint, owners...)

		summary, err := f.distributor(t, nil).PrepareAccounts(testContext(t), newLedger(t, entries...), MaxPrepareBatchSize)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Batches)
		require.Equal(t, MaxPrepareBatchSize, summary.Created)
	})

	t.Run("rejects oversized batches", func(t *testing.T) {
		t.Parallel()
		f := newRunFixture(t, &mockRPC{})
		_, err := f.distributor(t, nil).PrepareAccounts(testContext(t), ledger.New(), MaxPrepareBatchSize+1)
		require.Error(t, err)
	})
}
