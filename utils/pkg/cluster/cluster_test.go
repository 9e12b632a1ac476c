package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAirdrop_Cluster_RPCURL(t *testing.T) {
	t.Parallel()

	u, err := RPCURL(Devnet)
	require.NoError(t, err)
	require.Equal(t, "https://api.devnet.solana.com", u)

	u, err = RPCURL(MainnetBeta)
	require.NoError(t, err)
	require.Equal(t, DefaultRPCURL, u)

	_, err = RPCURL("moonnet")
	require.Error(t, err)
}

func TestAirdrop_Cluster_GetRPCURL_EnvOverride(t *testing.T) {
	t.Setenv("SOLANA_RPC_URL", "https://rpc.example.com")

	u, err := GetRPCURL("moonnet")
	require.NoError(t, err)
	require.Equal(t, "https://rpc.example.com", u)
}

func TestAirdrop_Cluster_ExplorerTxURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://explorer.solana.com/tx/sig", ExplorerTxURL(MainnetBeta, "sig"))
	require.Equal(t, "https://explorer.solana.com/tx/sig", ExplorerTxURL("", "sig"))
	require.Equal(t, "https://explorer.solana.com/tx/sig?cluster=devnet", ExplorerTxURL(Devnet, "sig"))
	require.Equal(t, "https://explorer.solana.com/tx/sig?cluster=custom", ExplorerTxURL(Localnet, "sig"))
}
