// Package updatedata encodes the opaque payload passed to canUpdate/update calls.
//
// The payload is ABI encoded so that on-chain and off-chain updaters agree on one layout:
// either abi.encode(address asset) or abi.encode(address asset, uint256 value, uint256 timestamp).
package updatedata

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInvalidUpdateData indicates a payload that cannot be decoded.
var ErrInvalidUpdateData = errors.New("updatedata: invalid update data")

var (
	assetOnly abi.Arguments
	withValue abi.Arguments
)

func init() {
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic("failed to build address ABI type: " + err.Error())
	}
	uintType, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic("failed to build uint256 ABI type: " + err.Error())
	}
	assetOnly = abi.Arguments{{Name: "asset", Type: addressType}}
	withValue = abi.Arguments{
		{Name: "asset", Type: addressType},
		{Name: "value", Type: uintType},
		{Name: "timestamp", Type: uintType},
	}
}

// Payload is a decoded update request.
type Payload struct {
	Asset     common.Address
	Value     uint256.Int
	Timestamp uint32
	HasValue  bool
}

// Encode returns abi.encode(asset).
func Encode(asset common.Address) []byte {
	data, err := assetOnly.Pack(asset)
	if err != nil {
		panic("pack address: " + err.Error())
	}
	return data
}

// EncodeWithValue returns abi.encode(asset, value, timestamp).
func EncodeWithValue(asset common.Address, value *uint256.Int, timestamp uint32) []byte {
	data, err := withValue.Pack(asset, value.ToBig(), new(big.Int).SetUint64(uint64(timestamp)))
	if err != nil {
		panic("pack update data: " + err.Error())
	}
	return data
}

// Decode parses either payload layout.
func Decode(data []byte) (Payload, error) {
	switch len(data) {
	case 32:
		values, err := assetOnly.Unpack(data)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidUpdateData, err)
		}
		asset, ok := values[0].(common.Address)
		if !ok {
			return Payload{}, fmt.Errorf("%w: asset is not an address", ErrInvalidUpdateData)
		}
		return Payload{Asset: asset}, nil
	case 96:
		values, err := withValue.Unpack(data)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidUpdateData, err)
		}
		asset, ok := values[0].(common.Address)
		if !ok {
			return Payload{}, fmt.Errorf("%w: asset is not an address", ErrInvalidUpdateData)
		}
		rawValue, ok := values[1].(*big.Int)
		if !ok {
			return Payload{}, fmt.Errorf("%w: value is not an integer", ErrInvalidUpdateData)
		}
		rawTimestamp, ok := values[2].(*big.Int)
		if !ok || !rawTimestamp.IsUint64() || rawTimestamp.Uint64() > math.MaxUint32 {
			return Payload{}, fmt.Errorf("%w: timestamp out of range", ErrInvalidUpdateData)
		}
		p := Payload{Asset: asset, Timestamp: uint32(rawTimestamp.Uint64()), HasValue: true}
		p.Value.SetFromBig(rawValue)
		return p, nil
	default:
		return Payload{}, fmt.Errorf("%w: unexpected length %d", ErrInvalidUpdateData, len(data))
	}
}

// Asset extracts only the asset from data.
func Asset(data []byte) (common.Address, error) {
	p, err := Decode(data)
	if err != nil {
		return common.Address{}, err
	}
	return p.Asset, nil
}
