package evm

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/CedrosPay/facilitator/internal/chains"
)

// ChainClient is the JSON-RPC surface settlement needs. *ethclient.Client satisfies it.
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// BalanceReader is implemented by clients that can read native balances.
// *ethclient.Client satisfies it; settlement itself never needs it.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// ClientSource resolves the RPC client for a chain.
type ClientSource interface {
	Client(chainID uint64) (ChainClient, error)
}

// ClientPool holds one RPC client per configured chain.
type ClientPool struct {
	mu      sync.RWMutex
	clients map[uint64]ChainClient
	closers []func()
}

// NewClientPool wraps already-built clients, typically fakes in tests.
func NewClientPool(clients map[uint64]ChainClient) *ClientPool {
	pool := &ClientPool{clients: make(map[uint64]ChainClient, len(clients))}
	for id, c := range clients {
		pool.clients[id] = c
	}
	return pool
}

// DialPool dials every chain in registry over httpClient. HTTP endpoints connect
// lazily, so a down RPC surfaces on first use rather than here.
func DialPool(ctx context.Context, registry *chains.Registry, httpClient *http.Client) (*ClientPool, error) {
	pool := &ClientPool{clients: make(map[uint64]ChainClient)}

	for _, chain := range registry.Chains() {
		rpcClient, err := rpc.DialOptions(ctx, chain.RPCURL, rpc.WithHTTPClient(httpClient))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("dial %s rpc: %w", chain.Network, err)
		}
		pool.clients[chain.ChainID] = ethclient.NewClient(rpcClient)
		pool.closers = append(pool.closers, rpcClient.Close)
	}

	return pool, nil
}

// Client returns the client for chainID.
func (p *ClientPool) Client(chainID uint64) (ChainClient, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", chains.ErrUnsupportedChain, chainID)
	}
	return c, nil
}

// Close closes every dialed client. Safe to call more than once.
func (p *ClientPool) Close() error {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
	}
	return nil
}
