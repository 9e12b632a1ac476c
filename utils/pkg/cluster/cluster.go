package cluster

import (
	"fmt"
	"net/url"
	"os"
)

const (
	MainnetBeta = "mainnet-beta"
	Devnet      = "devnet"
	Testnet     = "testnet"
	Localnet    = "localnet"
)

// DefaultRPCURL is the default Solana RPC endpoint
const DefaultRPCURL = "https://api.mainnet-beta.solana.com"

var rpcURLs = map[string]string{
	MainnetBeta: DefaultRPCURL,
	Devnet:      "https://api.devnet.solana.com",
	Testnet:     "https://api.testnet.solana.com",
	Localnet:    "http://127.0.0.1:8899",
}

// RPCURL returns the public RPC endpoint for a cluster name.
func RPCURL(cluster string) (string, error) {
	u, ok := rpcURLs[cluster]
	if !ok {
		return "", fmt.Errorf("unknown cluster %q", cluster)
	}
	return u, nil
}

// GetRPCURL returns SOLANA_RPC_URL when set, otherwise the cluster's public endpoint.
func GetRPCURL(cluster string) (string, error) {
	if u := os.Getenv("SOLANA_RPC_URL"); u != "" {
		return u, nil
	}
	return RPCURL(cluster)
}

// ExplorerTxURL returns the explorer link for a transaction signature.
func ExplorerTxURL(cluster, signature string) string {
	u := "https://explorer.solana.com/tx/" + url.PathEscape(signature)
	switch cluster {
	case "", MainnetBeta:
		return u
	case Localnet:
		return u + "?cluster=custom"
	default:
		return u + "?cluster=" + url.QueryEscape(cluster)
	}
}
