package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"oracle-engine/internal/source"
)

// Uniswap V2 pair: reserves and cumulative prices.
const pairABIJSON = `[
	{"constant":true,"inputs":[],"name":"getReserves","outputs":[
		{"internalType":"uint112","name":"reserve0","type":"uint112"},
		{"internalType":"uint112","name":"reserve1","type":"uint112"},
		{"internalType":"uint32","name":"blockTimestampLast","type":"uint32"}],
	"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"price0CumulativeLast","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"price1CumulativeLast","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// ERC-4626 vault share pricing.
const vaultABIJSON = `[
	{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"totalAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	// PairABI is the subset of the Uniswap V2 pair interface read by this package.
	PairABI abi.ABI
	// VaultABI is the subset of the ERC-4626 interface read by this package.
	VaultABI abi.ABI
)

const defaultTimeout = 10 * time.Second

func init() {
	parsed, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		panic("failed to parse pair ABI: " + err.Error())
	}
	PairABI = parsed

	parsed, err = abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	VaultABI = parsed
}

// Call packs method, executes it against to at the latest block and unpacks the outputs.
func Call(ctx context.Context, caller Caller, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", source.ErrInvalidResponse, method, err)
	}
	return outputs, nil
}

// CallUint calls a method returning a single unsigned integer.
func CallUint(ctx context.Context, caller Caller, contract abi.ABI, to common.Address, method string, args ...any) (*uint256.Int, error) {
	outputs, err := Call(ctx, caller, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("%w: unexpected %s response", source.ErrInvalidResponse, method)
	}
	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: failed to decode %s output", source.ErrInvalidResponse, method)
	}
	return toUint256(raw)
}

func toUint256(raw *big.Int) (*uint256.Int, error) {
	if raw.Sign() < 0 {
		return nil, errors.New("negative contract value")
	}
	v, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, errors.New("contract value exceeds 256 bits")
	}
	return v, nil
}

// WithTimeout bounds ctx by timeout, falling back to a default when unset.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
