package distributor

import (
	"context"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// AccountRPC is the subset of the Solana RPC used to check destination accounts.
type AccountRPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
}

// BlockhashRPC is the subset of the Solana RPC used to stamp transactions.
type BlockhashRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
}

// SubmitRPC is the subset of the Solana RPC used to send and confirm transactions.
type SubmitRPC interface {
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
}

// RPC is everything the distributor needs from a Solana RPC node.
// *github.com/gagliardetto/solana-go/rpc.Client satisfies it.
type RPC interface {
	AccountRPC
	BlockhashRPC
	SubmitRPC
}

var _ RPC = (*solanarpc.Client)(nil)
