package dispatch

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Default method names. Individual builders override some of them, see the
// constructors below.
const (
	DefaultPrivateTxMethod = "eth_sendPrivateTransaction"
	DefaultBundleMethod    = "eth_sendBundle"
	DefaultCancelMethod    = "eth_cancelBundle"
)

// privateTxFormat selects how a builder wants private transactions wrapped.
type privateTxFormat uint8

const (
	formatTxPair        privateTxFormat = iota // [[tx, maxBlockNumber]]
	formatTxObject                             // [{"tx": ..., "maxBlockNumber": ...}]
	formatTxRaw                                // [tx]
	formatTxPreferences                        // [{"tx": ..., "preferences": ...}]
)

// cancelFormat selects how a builder wants cancellations wrapped.
type cancelFormat uint8

const (
	formatCancelUUID        cancelFormat = iota // [uuid] or [[uuid, ...]]
	formatCancelEmptyBundle                     // uuids wrapped into empty bundles
)

// Builder describes a single builder endpoint: where to send, which methods
// it exposes and which bundle fields it documents support for. Builders are
// immutable after construction; the name is the identity key.
type Builder struct {
	Name string
	URL  string

	PrivateTxMethod string
	BundleMethod    string
	CancelMethod    string

	// SigningRequired is set for builders that only accept requests
	// authenticated with an X-Flashbots-Signature header.
	SigningRequired bool

	bundleParams map[string]struct{}
	txFormat     privateTxFormat
	cancelFmt    cancelFormat
}

func paramSet(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}

func defaultBundleParams() map[string]struct{} {
	return paramSet(
		"txs",
		"blockNumber",
		"minTimestamp",
		"maxTimestamp",
		"revertingTxHashes",
		"replacementUuid",
		"refundPercent",
		"refundRecipient",
		"refundTxHashes",
	)
}

// NewBuilder returns a builder with the default method names, bundle
// parameter set and payload shapes.
func NewBuilder(name, url string) *Builder {
	return &Builder{
		Name:            name,
		URL:             url,
		PrivateTxMethod: DefaultPrivateTxMethod,
		BundleMethod:    DefaultBundleMethod,
		CancelMethod:    DefaultCancelMethod,
		SigningRequired: false,
		bundleParams:    defaultBundleParams(),
		txFormat:        formatTxPair,
		cancelFmt:       formatCancelUUID,
	}
}

func NewTitanBuilder() *Builder {
	b := NewBuilder("Titan", "https://rpc.titanbuilder.xyz")
	b.SigningRequired = true
	b.bundleParams = paramSet(
		"txs",
		"blockNumber",
		"minTimestamp",
		"maxTimestamp",
		"revertingTxHashes",
		"replacementUuid",
		"refundPercent",
		"refundIndex",
		"refundRecipient",
	)
	b.txFormat = formatTxObject
	return b
}

func NewBeaverBuilder() *Builder {
	b := NewBuilder("beaverbuild.org", "https://rpc.beaverbuild.org/")
	b.PrivateTxMethod = "eth_sendPrivateRawTransaction"
	// beaver cancels through the bundle method with an empty bundle
	b.CancelMethod = "eth_sendBundle"
	b.bundleParams = paramSet(
		"txs",
		"blockNumber",
		"minTimestamp",
		"maxTimestamp",
		"revertingTxHashes",
		"uuid",
		"replacementUuid",
		"refundPercent",
		"refundRecipient",
	)
	b.txFormat = formatTxRaw
	b.cancelFmt = formatCancelEmptyBundle
	return b
}

func NewRsyncBuilder() *Builder {
	b := NewBuilder("rsync", "https://rsync-builder.xyz/")
	b.PrivateTxMethod = "eth_sendPrivateRawTransaction"
	b.txFormat = formatTxRaw
	return b
}

func NewBuilder0x69() *Builder {
	b := NewBuilder("builder0x69", "https://builder0x69.io/")
	b.PrivateTxMethod = "eth_sendRawTransaction"
	b.bundleParams = paramSet(
		"txs",
		"blockNumber",
		"minTimestamp",
		"maxTimestamp",
		"revertingTxHashes",
		"uuid",
		"replacementUuid",
		"refundPercent",
		"refundRecipient",
	)
	b.txFormat = formatTxRaw
	return b
}

func NewFlashbotsBuilder() *Builder {
	b := NewBuilder("flashbots", "https://relay.flashbots.net")
	b.PrivateTxMethod = "eth_sendPrivateRawTransaction"
	b.SigningRequired = true
	// the relay documents maxTimestep, not maxTimestamp
	b.bundleParams = paramSet(
		"txs",
		"blockNumber",
		"minTimestamp",
		"maxTimestep",
		"revertingTxHashes",
		"replacementUuid",
	)
	b.txFormat = formatTxPreferences
	return b
}

func NewLokiBuilder() *Builder {
	b := NewBuilder("Loki", "https://rpc.lokibuilder.xyz/")
	b.PrivateTxMethod = "eth_sendPrivateRawTransaction"
	b.txFormat = formatTxRaw
	return b
}

// AllBuilders returns every supported builder. The slice can be passed to
// NewBuilderRPC to submit to the whole set.
func AllBuilders() []*Builder {
	return []*Builder{
		NewTitanBuilder(),
		NewBuilder0x69(),
		NewRsyncBuilder(),
		NewBeaverBuilder(),
		NewFlashbotsBuilder(),
		NewLokiBuilder(),
	}
}

// FormatPrivateTransaction wraps a signed raw transaction into the params
// shape the builder expects. The max block number never appears unless one
// was supplied; the Flashbots relay carries a preferences object instead.
func (b *Builder) FormatPrivateTransaction(tx hexutil.Bytes, opts *PrivateTxOptions) []any {
	if opts == nil {
		opts = &PrivateTxOptions{}
	}
	switch b.txFormat {
	case formatTxObject:
		wrapped := map[string]any{"tx": tx}
		if opts.MaxBlockNumber != nil {
			wrapped["maxBlockNumber"] = opts.MaxBlockNumber
		}
		return []any{wrapped}
	case formatTxRaw:
		return []any{tx}
	case formatTxPreferences:
		return []any{map[string]any{"tx": tx, "preferences": opts.Preferences}}
	default:
		if opts.MaxBlockNumber != nil {
			return []any{[]any{tx, opts.MaxBlockNumber}}
		}
		return []any{[]any{tx}}
	}
}

// FormatBundle narrows the bundle down to the fields the builder documents
// support for. Unsupported fields are dropped, never sent.
func (b *Builder) FormatBundle(bundle *Bundle) []any {
	fields := bundle.wireFields()
	for key := range fields {
		if _, ok := b.bundleParams[key]; !ok {
			delete(fields, key)
		}
	}
	return []any{fields}
}

// FormatCancellation wraps replacement UUIDs for the builder's cancel
// method. Most builders take the UUIDs directly; beaver expects each UUID
// inside an otherwise empty bundle.
func (b *Builder) FormatCancellation(uuids ...string) []any {
	if b.cancelFmt == formatCancelEmptyBundle {
		if len(uuids) == 1 {
			return []any{emptyCancelBundle(uuids[0])}
		}
		wrapped := make([]any, len(uuids))
		for i, uuid := range uuids {
			wrapped[i] = emptyCancelBundle(uuid)
		}
		return []any{wrapped}
	}
	if len(uuids) == 1 {
		return []any{uuids[0]}
	}
	return []any{uuids}
}

func emptyCancelBundle(uuid string) map[string]any {
	return map[string]any{"uuid": uuid, "txs": []any{}}
}
