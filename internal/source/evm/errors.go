package evm

import "errors"

var (
	// ErrRPCURLRequired indicates that rpc_url configuration is required.
	ErrRPCURLRequired = errors.New("evm: rpc_url is required")
	// ErrPairsRequired indicates that pairs configuration is required.
	ErrPairsRequired = errors.New("evm: pairs configuration is required")
	// ErrVaultsRequired indicates that vaults configuration is required.
	ErrVaultsRequired = errors.New("evm: vaults configuration is required")
)
