package distributor

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type mockRPC struct {
	mu sync.Mutex

	getAccountInfoFunc       func(context.Context, solana.PublicKey, *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
	getLatestBlockhashFunc   func(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	sendTransactionFunc      func(context.Context, *solana.Transaction, solanarpc.TransactionOpts) (solana.Signature, error)
	getSignatureStatusesFunc func(context.Context, bool, ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	getBlockHeightFunc       func(context.Context, solanarpc.CommitmentType) (uint64, error)

	accountLookups int
	blockhashCalls int
	sendCalls      int
	// sent holds every transaction that reached the chain, including those
	// whose send response was lost.
	sent []*solana.Transaction
}

func (m *mockRPC) GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error) {
	m.mu.Lock()
	m.accountLookups++
	m.mu.Unlock()
	if m.getAccountInfoFunc != nil {
		return m.getAccountInfoFunc(ctx, account, opts)
	}
	return &solanarpc.GetAccountInfoResult{Value: &solanarpc.Account{}}, nil
}

func (m *mockRPC) GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
	m.mu.Lock()
	m.blockhashCalls++
	n := m.blockhashCalls
	m.mu.Unlock()
	if m.getLatestBlockhashFunc != nil {
		return m.getLatestBlockhashFunc(ctx, commitment)
	}
	var hash solana.Hash
	hash[0] = byte(n)
	return &solanarpc.GetLatestBlockhashResult{
		Value: &solanarpc.LatestBlockhashResult{Blockhash: hash, LastValidBlockHeight: 1000},
	}, nil
}

func (m *mockRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error) {
	m.mu.Lock()
	m.sendCalls++
	m.mu.Unlock()
	if m.sendTransactionFunc != nil {
		if sig, err := m.sendTransactionFunc(ctx, tx, opts); err != nil {
			if errors.Is(err, errResponseLost) {
				m.land(tx)
			}
			return sig, err
		}
	}
	m.land(tx)
	return tx.Signatures[0], nil
}

func (m *mockRPC) land(tx *solana.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
}

func (m *mockRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
	if m.getSignatureStatusesFunc != nil {
		return m.getSignatureStatusesFunc(ctx, searchTransactionHistory, sigs...)
	}
	// Transactions that landed are confirmed; anything else is unknown.
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &solanarpc.GetSignatureStatusesResult{Value: make([]*solanarpc.SignatureStatusesResult, len(sigs))}
	for i, sig := range sigs {
		for _, tx := range m.sent {
			if tx.Signatures[0] == sig {
				out.Value[i] = &solanarpc.SignatureStatusesResult{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed}
			}
		}
	}
	return out, nil
}

// landedTransfers counts the token transfers in every transaction that
// reached the chain.
func (m *mockRPC) landedTransfers(t *testing.T) int {
	t.Helper()
	n := 0
	for _, tx := range m.sentTransactions() {
		for _, ix := range decodeInstructions(t, tx) {
			if ix.program.Equals(solana.TokenProgramID) {
				n++
			}
		}
	}
	return n
}

func (m *mockRPC) GetBlockHeight(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error) {
	if m.getBlockHeightFunc != nil {
		return m.getBlockHeightFunc(ctx, commitment)
	}
	return 10, nil
}

func (m *mockRPC) sentTransactions() []*solana.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*solana.Transaction(nil), m.sent...)
}

func (m *mockRPC) sends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCalls
}

func statuses(status solanarpc.ConfirmationStatusType, txErr any) *solanarpc.GetSignatureStatusesResult {
	return &solanarpc.GetSignatureStatusesResult{
		Value: []*solanarpc.SignatureStatusesResult{{ConfirmationStatus: status, Err: txErr}},
	}
}

func notFound() *solanarpc.GetSignatureStatusesResult {
	return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{nil}}
}

// absentAccounts returns an account lookup that reports the token accounts
// of the given owners as missing.
func absentAccounts(t *testing.T, mint solana.PublicKey, owners ...string) func(context.Context, solana.PublicKey, *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error) {
	t.Helper()
	missing := make(map[solana.PublicKey]bool, len(owners))
	for _, o := range owners {
		ata, _, err := solana.FindAssociatedTokenAddress(solana.MustPublicKeyFromBase58(o), mint)
		require.NoError(t, err)
		missing[ata] = true
	}
	return func(_ context.Context, account solana.PublicKey, _ *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error) {
		if missing[account] {
			return nil, solanarpc.ErrNotFound
		}
		return &solanarpc.GetAccountInfoResult{Value: &solanarpc.Account{}}, nil
	}
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func newAddress(t *testing.T) string {
	t.Helper()
	return newKey(t).PublicKey().String()
}

// decodedIx is a compiled instruction resolved against the message's account keys.
type decodedIx struct {
	program  solana.PublicKey
	accounts []solana.PublicKey
	data     []byte
}

func decodeInstructions(t *testing.T, tx *solana.Transaction) []decodedIx {
	t.Helper()
	out := make([]decodedIx, 0, len(tx.Message.Instructions))
	for _, ix := range tx.Message.Instructions {
		d := decodedIx{program: tx.Message.AccountKeys[ix.ProgramIDIndex], data: ix.Data}
		for _, idx := range ix.Accounts {
			d.accounts = append(d.accounts, tx.Message.AccountKeys[idx])
		}
		out = append(out, d)
	}
	return out
}

// transferAmounts returns the amount of every token transfer in tx, in order.
func transferAmounts(t *testing.T, tx *solana.Transaction) []uint64 {
	t.Helper()
	var amounts []uint64
	for _, ix := range decodeInstructions(t, tx) {
		if !ix.program.Equals(solana.TokenProgramID) {
			continue
		}
		require.Len(t, ix.data, 9)
		amounts = append(amounts, binary.LittleEndian.Uint64(ix.data[1:9]))
	}
	return amounts
}

// runClock advances clock whenever something is waiting on it, until ctx is done.
func runClock(ctx context.Context, clock *clockwork.FakeClock, step time.Duration) {
	go func() {
		for {
			if err := clock.BlockUntilContext(ctx, 1); err != nil {
				return
			}
			clock.Advance(step)
		}
	}()
}

// testContext bounds a test so a stalled retry loop fails instead of hanging.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var (
	errConnRefused = errors.New("dial tcp 127.0.0.1:8899: connect: connection refused")
	// errResponseLost is a send error after which the transaction still lands.
	errResponseLost = errors.New("net/http: request canceled (Client.Timeout exceeded while awaiting headers)")
)
