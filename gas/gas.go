// Package gas prices the fee fields of transactions from live chain data.
//
// Two managers cover the two pricing modes. NaiveManager derives prices
// from the latest block's fee distribution with a pluggable statistic.
// InformedManager holds a price state machine adjusted from observed
// submission outcomes. Manager owns the shared ceilings and the block
// source and carries both managers' state across scopes.
package gas

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
)

// DefaultCeiling caps every price field at one milliether when no explicit
// ceiling is configured.
const DefaultCeiling uint64 = params.Ether / 1000

// PriceField names one of the three prices the managers fill.
type PriceField uint8

const (
	FieldGas PriceField = iota
	FieldMaxFeePerGas
	FieldMaxPriorityFeePerGas
)

// PriceFields lists all price fields in fill order.
var PriceFields = []PriceField{FieldGas, FieldMaxFeePerGas, FieldMaxPriorityFeePerGas}

func (f PriceField) String() string {
	switch f {
	case FieldGas:
		return "gas"
	case FieldMaxFeePerGas:
		return "maxFeePerGas"
	case FieldMaxPriorityFeePerGas:
		return "maxPriorityFeePerGas"
	default:
		return "unknown"
	}
}

// Ceilings bound the prices written into transactions. Zero fields fall
// back to DefaultCeiling.
type Ceilings struct {
	Gas                  uint64
	MaxFeePerGas         uint64
	MaxPriorityFeePerGas uint64
}

func (c Ceilings) withDefaults() Ceilings {
	if c.Gas == 0 {
		c.Gas = DefaultCeiling
	}
	if c.MaxFeePerGas == 0 {
		c.MaxFeePerGas = DefaultCeiling
	}
	if c.MaxPriorityFeePerGas == 0 {
		c.MaxPriorityFeePerGas = DefaultCeiling
	}
	return c
}

func (c Ceilings) forField(field PriceField) uint64 {
	switch field {
	case FieldGas:
		return c.Gas
	case FieldMaxFeePerGas:
		return c.MaxFeePerGas
	default:
		return c.MaxPriorityFeePerGas
	}
}

func (c Ceilings) clamp(field PriceField, price uint64) uint64 {
	if ceiling := c.forField(field); price > ceiling {
		return ceiling
	}
	return price
}

// Transaction carries the caller's transaction fields. Fill operations
// write the three price fields in place, everything else passes through
// untouched. Zero price fields count as unset.
type Transaction struct {
	From                 *common.Address `json:"from,omitempty"`
	To                   *common.Address `json:"to,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas,omitempty"`
	MaxFeePerGas         hexutil.Uint64  `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas hexutil.Uint64  `json:"maxPriorityFeePerGas,omitempty"`
}

func (tx *Transaction) setPrice(field PriceField, price uint64) {
	switch field {
	case FieldGas:
		tx.Gas = hexutil.Uint64(price)
	case FieldMaxFeePerGas:
		tx.MaxFeePerGas = hexutil.Uint64(price)
	case FieldMaxPriorityFeePerGas:
		tx.MaxPriorityFeePerGas = hexutil.Uint64(price)
	}
}
