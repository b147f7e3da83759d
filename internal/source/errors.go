package source

import "errors"

var (
	// ErrUnknownKind indicates no factory is registered for a source kind.
	ErrUnknownKind = errors.New("source: unknown kind")
	// ErrInvalidConfig indicates the source options are invalid.
	ErrInvalidConfig = errors.New("source: invalid configuration")
	// ErrEmptyName indicates a source without a name.
	ErrEmptyName = errors.New("source: name is required")
	// ErrUnsupportedAsset indicates the source does not serve the asset.
	ErrUnsupportedAsset = errors.New("source: unsupported asset")
	// ErrZeroLiquidity indicates a venue without liquidity for the asset.
	ErrZeroLiquidity = errors.New("source: zero liquidity")
	// ErrInvalidResponse indicates an unexpected upstream response.
	ErrInvalidResponse = errors.New("source: invalid response")
)
