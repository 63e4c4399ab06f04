package dispatch

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Bundle is a block-builder bundle for eth_sendBundle style methods. Only
// txs is mandatory; every other field is omitted from the wire payload when
// unset. Field support varies per builder, FormatBundle drops what the
// target does not document.
type Bundle struct {
	Txs               []hexutil.Bytes `json:"txs"`
	BlockNumber       *hexutil.Uint64 `json:"blockNumber,omitempty"`
	MinTimestamp      *hexutil.Uint64 `json:"minTimestamp,omitempty"`
	MaxTimestamp      *hexutil.Uint64 `json:"maxTimestamp,omitempty"`
	RevertingTxHashes []common.Hash   `json:"revertingTxHashes,omitempty"`
	UUID              string          `json:"uuid,omitempty"`
	ReplacementUUID   string          `json:"replacementUuid,omitempty"`
	RefundPercent     *int            `json:"refundPercent,omitempty"`
	RefundIndex       *int            `json:"refundIndex,omitempty"`
	RefundRecipient   *common.Address `json:"refundRecipient,omitempty"`
	RefundTxHashes    []common.Hash   `json:"refundTxHashes,omitempty"`
}

// wireFields returns the set fields keyed by their wire names, ready for
// per-builder filtering.
func (b *Bundle) wireFields() map[string]any {
	fields := map[string]any{"txs": b.Txs}
	if b.BlockNumber != nil {
		fields["blockNumber"] = b.BlockNumber
	}
	if b.MinTimestamp != nil {
		fields["minTimestamp"] = b.MinTimestamp
	}
	if b.MaxTimestamp != nil {
		fields["maxTimestamp"] = b.MaxTimestamp
	}
	if b.RevertingTxHashes != nil {
		fields["revertingTxHashes"] = b.RevertingTxHashes
	}
	if b.UUID != "" {
		fields["uuid"] = b.UUID
	}
	if b.ReplacementUUID != "" {
		fields["replacementUuid"] = b.ReplacementUUID
	}
	if b.RefundPercent != nil {
		fields["refundPercent"] = b.RefundPercent
	}
	if b.RefundIndex != nil {
		fields["refundIndex"] = b.RefundIndex
	}
	if b.RefundRecipient != nil {
		fields["refundRecipient"] = b.RefundRecipient
	}
	if b.RefundTxHashes != nil {
		fields["refundTxHashes"] = b.RefundTxHashes
	}
	return fields
}

// PrivateTxOptions carries the optional knobs for private transaction
// submission. A nil MaxBlockNumber means the builder chooses; Preferences
// is only honored by builders whose payload shape carries one.
type PrivateTxOptions struct {
	MaxBlockNumber *hexutil.Uint64
	Preferences    any
}

// MevBundle is a mev-share protocol bundle (schema v0.1).
type MevBundle struct {
	Version   string             `json:"version"`
	Inclusion MevBundleInclusion `json:"inclusion"`
	Body      []MevBundleBody    `json:"body"`
	Validity  *MevBundleValidity `json:"validity,omitempty"`
	Privacy   *MevBundlePrivacy  `json:"privacy,omitempty"`
}

type MevBundleInclusion struct {
	BlockNumber hexutil.Uint64 `json:"block"`
	MaxBlock    hexutil.Uint64 `json:"maxBlock,omitempty"`
}

type MevBundleBody struct {
	Hash      *common.Hash   `json:"hash,omitempty"`
	Tx        *hexutil.Bytes `json:"tx,omitempty"`
	Bundle    *MevBundle     `json:"bundle,omitempty"`
	CanRevert bool           `json:"canRevert,omitempty"`
}

type MevBundleValidity struct {
	Refund       []RefundConstraint `json:"refund,omitempty"`
	RefundConfig []RefundConfig     `json:"refundConfig,omitempty"`
}

type RefundConstraint struct {
	BodyIdx int `json:"bodyIdx"`
	Percent int `json:"percent"`
}

type RefundConfig struct {
	Address common.Address `json:"address"`
	Percent int            `json:"percent"`
}

type MevBundlePrivacy struct {
	Hints      []string `json:"hints,omitempty"`
	Builders   []string `json:"builders,omitempty"`
	WantRefund *int     `json:"wantRefund,omitempty"`
}

// SendResult holds one builder's reply to a fanned-out submission. Results
// are returned in the same order as the configured builders; exactly one of
// Result and Err is meaningful. Result is the decoded JSON-RPC result
// member, not the whole envelope.
type SendResult struct {
	Builder string          `json:"builder"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     error           `json:"-"`
}
