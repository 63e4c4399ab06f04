package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func uint64Ptr(v hexutil.Uint64) *hexutil.Uint64 { return &v }

func intPtr(v int) *int { return &v }

func TestFormatPrivateTransaction(t *testing.T) {
	tx := hexutil.Bytes{0x01, 0x02}

	tests := []struct {
		name    string
		builder *Builder
		opts    *PrivateTxOptions
		want    string
	}{
		{
			name:    "default without max block",
			builder: NewBuilder("b", "http://b"),
			opts:    nil,
			want:    `[["0x0102"]]`,
		},
		{
			name:    "default with max block",
			builder: NewBuilder("b", "http://b"),
			opts:    &PrivateTxOptions{MaxBlockNumber: uint64Ptr(0x64)},
			want:    `[["0x0102","0x64"]]`,
		},
		{
			name:    "titan without max block",
			builder: NewTitanBuilder(),
			opts:    nil,
			want:    `[{"tx":"0x0102"}]`,
		},
		{
			name:    "titan with max block",
			builder: NewTitanBuilder(),
			opts:    &PrivateTxOptions{MaxBlockNumber: uint64Ptr(0x64)},
			want:    `[{"tx":"0x0102","maxBlockNumber":"0x64"}]`,
		},
		{
			name:    "beaver raw",
			builder: NewBeaverBuilder(),
			opts:    &PrivateTxOptions{MaxBlockNumber: uint64Ptr(0x64)},
			want:    `["0x0102"]`,
		},
		{
			name:    "rsync raw",
			builder: NewRsyncBuilder(),
			opts:    nil,
			want:    `["0x0102"]`,
		},
		{
			name:    "builder0x69 raw",
			builder: NewBuilder0x69(),
			opts:    nil,
			want:    `["0x0102"]`,
		},
		{
			name:    "loki raw",
			builder: NewLokiBuilder(),
			opts:    nil,
			want:    `["0x0102"]`,
		},
		{
			name:    "flashbots without preferences",
			builder: NewFlashbotsBuilder(),
			opts:    nil,
			want:    `[{"tx":"0x0102","preferences":null}]`,
		},
		{
			name:    "flashbots with preferences",
			builder: NewFlashbotsBuilder(),
			opts:    &PrivateTxOptions{Preferences: map[string]any{"fast": true}},
			want:    `[{"tx":"0x0102","preferences":{"fast":true}}]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.builder.FormatPrivateTransaction(tx, tt.opts))
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestFormatBundleFiltersFields(t *testing.T) {
	bundle := &Bundle{
		Txs:               []hexutil.Bytes{{0x01}},
		BlockNumber:       uint64Ptr(0x10),
		MinTimestamp:      uint64Ptr(1),
		MaxTimestamp:      uint64Ptr(2),
		RevertingTxHashes: []common.Hash{common.HexToHash("0x01")},
		UUID:              "c665e226-714a-4b1d-a4cd-37a048285f76",
		ReplacementUUID:   "9f02bbcc-f02e-4e7a-bcbc-15c6a8769b53",
		RefundPercent:     intPtr(50),
		RefundIndex:       intPtr(0),
		RefundRecipient:   &common.Address{0x01},
		RefundTxHashes:    []common.Hash{common.HexToHash("0x02")},
	}

	tests := []struct {
		name     string
		builder  *Builder
		wantKeys []string
	}{
		{
			name:    "default",
			builder: NewBuilder("b", "http://b"),
			wantKeys: []string{
				"txs", "blockNumber", "minTimestamp", "maxTimestamp",
				"revertingTxHashes", "replacementUuid", "refundPercent",
				"refundRecipient", "refundTxHashes",
			},
		},
		{
			name:    "titan",
			builder: NewTitanBuilder(),
			wantKeys: []string{
				"txs", "blockNumber", "minTimestamp", "maxTimestamp",
				"revertingTxHashes", "replacementUuid", "refundPercent",
				"refundIndex", "refundRecipient",
			},
		},
		{
			name:    "beaver",
			builder: NewBeaverBuilder(),
			wantKeys: []string{
				"txs", "blockNumber", "minTimestamp", "maxTimestamp",
				"revertingTxHashes", "uuid", "replacementUuid",
				"refundPercent", "refundRecipient",
			},
		},
		{
			// the relay documents maxTimestep, so a bundle's maxTimestamp
			// never survives the filter
			name:    "flashbots",
			builder: NewFlashbotsBuilder(),
			wantKeys: []string{
				"txs", "blockNumber", "minTimestamp",
				"revertingTxHashes", "replacementUuid",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := tt.builder.FormatBundle(bundle)
			require.Len(t, params, 1)

			fields, ok := params[0].(map[string]any)
			require.True(t, ok)
			keys := make([]string, 0, len(fields))
			for key := range fields {
				keys = append(keys, key)
			}
			require.ElementsMatch(t, tt.wantKeys, keys)
		})
	}
}

func TestFormatBundleOmitsUnsetFields(t *testing.T) {
	bundle := &Bundle{Txs: []hexutil.Bytes{{0x01}}}

	params := NewBuilder("b", "http://b").FormatBundle(bundle)
	require.Len(t, params, 1)

	fields, ok := params[0].(map[string]any)
	require.True(t, ok)
	require.Len(t, fields, 1)
	require.Contains(t, fields, "txs")
}

func TestFormatCancellation(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
		uuids   []string
		want    string
	}{
		{
			name:    "default single",
			builder: NewBuilder("b", "http://b"),
			uuids:   []string{"u-1"},
			want:    `["u-1"]`,
		},
		{
			name:    "default list",
			builder: NewBuilder("b", "http://b"),
			uuids:   []string{"u-1", "u-2"},
			want:    `[["u-1","u-2"]]`,
		},
		{
			name:    "beaver single wraps an empty bundle",
			builder: NewBeaverBuilder(),
			uuids:   []string{"u-1"},
			want:    `[{"uuid":"u-1","txs":[]}]`,
		},
		{
			name:    "beaver list wraps empty bundles",
			builder: NewBeaverBuilder(),
			uuids:   []string{"u-1", "u-2"},
			want:    `[[{"uuid":"u-1","txs":[]},{"uuid":"u-2","txs":[]}]]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.builder.FormatCancellation(tt.uuids...))
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestBuilderCatalog(t *testing.T) {
	builders := AllBuilders()
	require.Len(t, builders, 6)

	names := make([]string, len(builders))
	for i, b := range builders {
		names[i] = b.Name
	}
	require.Equal(t, []string{"Titan", "builder0x69", "rsync", "beaverbuild.org", "flashbots", "Loki"}, names)

	for _, b := range builders {
		signing := b.Name == "Titan" || b.Name == "flashbots"
		require.Equal(t, signing, b.SigningRequired, b.Name)
		require.Equal(t, DefaultBundleMethod, b.BundleMethod, b.Name)
	}

	require.Equal(t, DefaultPrivateTxMethod, NewTitanBuilder().PrivateTxMethod)
	require.Equal(t, "eth_sendRawTransaction", NewBuilder0x69().PrivateTxMethod)
	require.Equal(t, "eth_sendPrivateRawTransaction", NewRsyncBuilder().PrivateTxMethod)
	require.Equal(t, "eth_sendPrivateRawTransaction", NewBeaverBuilder().PrivateTxMethod)
	require.Equal(t, "eth_sendPrivateRawTransaction", NewFlashbotsBuilder().PrivateTxMethod)
	require.Equal(t, "eth_sendPrivateRawTransaction", NewLokiBuilder().PrivateTxMethod)

	// beaver cancels through its bundle method
	require.Equal(t, "eth_sendBundle", NewBeaverBuilder().CancelMethod)
	require.Equal(t, DefaultCancelMethod, NewTitanBuilder().CancelMethod)
}
