// Package chain reads token balances from an ERC-1155 contract.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrInvalidAddress is returned for addresses that are not 20-byte hex.
var ErrInvalidAddress = errors.New("invalid address")

const erc1155BalanceABI = `[{
	"type": "function",
	"name": "balanceOf",
	"stateMutability": "view",
	"inputs": [
		{"name": "account", "type": "address"},
		{"name": "id", "type": "uint256"}
	],
	"outputs": [{"name": "", "type": "uint256"}]
}]`

// BalanceOracle answers balanceOf(address, tokenId) queries.
type BalanceOracle interface {
	BalanceOf(ctx context.Context, address string, tokenID int64) (*big.Int, error)
}

// ContractCaller is the subset of ethclient.Client the oracle needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ERC1155Oracle queries balanceOf on a fixed contract.
type ERC1155Oracle struct {
	caller   ContractCaller
	contract common.Address
	abi      abi.ABI
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger
}

// NewERC1155Oracle builds an oracle. A nil limiter disables rate limiting.
func NewERC1155Oracle(caller ContractCaller, contract string, limiter *rate.Limiter, logger *zap.SugaredLogger) (*ERC1155Oracle, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("%w: contract %q", ErrInvalidAddress, contract)
	}
	parsed, err := abi.JSON(strings.NewReader(erc1155BalanceABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}
	return &ERC1155Oracle{
		caller:   caller,
		contract: common.HexToAddress(contract),
		abi:      parsed,
		limiter:  limiter,
		logger:   logger.With("component", "erc1155_oracle"),
	}, nil
}

// Dial connects to an RPC endpoint and checks it serves the expected chain.
func Dial(ctx context.Context, rpcURL string, chainID int64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	if chainID > 0 {
		got, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to read chain id: %w", err)
		}
		if got.Cmp(big.NewInt(chainID)) != 0 {
			client.Close()
			return nil, fmt.Errorf("rpc serves chain %s, expected %d", got, chainID)
		}
	}
	return client, nil
}

func (o *ERC1155Oracle) BalanceOf(ctx context.Context, address string, tokenID int64) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if tokenID < 0 {
		return nil, fmt.Errorf("token id %d is not a contract token", tokenID)
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// The limiter refuses waits that would outlast the deadline.
				err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	data, err := o.abi.Pack("balanceOf", common.HexToAddress(address), big.NewInt(tokenID))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	out, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &o.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}

	values, err := o.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf returned %d values", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned %T", values[0])
	}

	o.logger.Debugw("balance read", "address", address, "token_id", tokenID, "balance", balance.String())
	return balance, nil
}
