package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/CedrosPay/facilitator/internal/circuitbreaker"
	"github.com/CedrosPay/facilitator/internal/metrics"
	"github.com/CedrosPay/facilitator/internal/rpcutil"
)

// guardedClient adds per-call timeouts, metrics and the chain RPC breaker to a
// ChainClient. Reads are retried; SendTransaction never is.
type guardedClient struct {
	inner    ChainClient
	network  string
	metrics  *metrics.Metrics
	breakers *circuitbreaker.Manager
	timeout  time.Duration
}

func (g *guardedClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

// guarded runs one RPC. Errors that are chain answers (missing receipt, revert,
// nonce conflicts) are returned to the caller without counting against the breaker.
func guarded[T any](ctx context.Context, g *guardedClient, method string, retry bool, fn func(context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		var answer error
		v, err := circuitbreaker.Do(g.breakers, circuitbreaker.ServiceChainRPC, func() (T, error) {
			callCtx, cancel := g.callContext(ctx)
			defer cancel()

			done := metrics.MeasureRPCCall(g.metrics, method, g.network)
			v, err := fn(callCtx)
			done(err)

			if err != nil && isChainAnswer(err) {
				answer = err
				return v, nil
			}
			return v, err
		})
		if answer != nil {
			return v, answer
		}
		return v, err
	}

	if !retry {
		return attempt()
	}
	return rpcutil.WithRetry(ctx, attempt)
}

func (g *guardedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return guarded(ctx, g, "eth_call", true, func(ctx context.Context) ([]byte, error) {
		return g.inner.CallContract(ctx, msg, block)
	})
}

func (g *guardedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return guarded(ctx, g, "eth_getTransactionCount", true, func(ctx context.Context) (uint64, error) {
		return g.inner.PendingNonceAt(ctx, account)
	})
}

func (g *guardedClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return guarded(ctx, g, "eth_gasPrice", true, func(ctx context.Context) (*big.Int, error) {
		return g.inner.SuggestGasPrice(ctx)
	})
}

func (g *guardedClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return guarded(ctx, g, "eth_estimateGas", true, func(ctx context.Context) (uint64, error) {
		return g.inner.EstimateGas(ctx, msg)
	})
}

func (g *guardedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := guarded(ctx, g, "eth_sendRawTransaction", false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.SendTransaction(ctx, tx)
	})
	return err
}

func (g *guardedClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return guarded(ctx, g, "eth_getTransactionReceipt", false, func(ctx context.Context) (*types.Receipt, error) {
		return g.inner.TransactionReceipt(ctx, hash)
	})
}

func isChainAnswer(err error) bool {
	return errors.Is(err, ethereum.NotFound) || isRevert(err) || isNonceConflict(err)
}

// isRevert reports whether err is an EVM execution revert rather than a transport failure.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// isNonceConflict reports node rejections caused by a competing transaction.
func isNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "replacement transaction underpriced")
}
