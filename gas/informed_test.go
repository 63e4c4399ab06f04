package gas

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func seededInformed(t *testing.T, ceilings Ceilings, prices Prices) *InformedManager {
	t.Helper()
	manager := NewInformedManager(&stubSource{connected: true}, ceilings, DefaultSuccessMultiplier, DefaultFailMultiplier)
	manager.setPrice(FieldGas, prices.Gas)
	manager.setPrice(FieldMaxFeePerGas, prices.MaxFeePerGas)
	manager.setPrice(FieldMaxPriorityFeePerGas, prices.MaxPriorityFeePerGas)
	manager.markSeeded()
	return manager
}

func TestInformedSeedFromBlockMeans(t *testing.T) {
	source := naiveFixture()
	manager := NewInformedManager(source, Ceilings{}, DefaultSuccessMultiplier, DefaultFailMultiplier)

	require.NoError(t, manager.Seed(context.Background()))
	require.Equal(t, Prices{Gas: 47000, MaxFeePerGas: 120, MaxPriorityFeePerGas: 4}, manager.Prices())
}

func TestInformedSeedEmptyBlock(t *testing.T) {
	source := &stubSource{block: testBlock(), connected: true}
	manager := NewInformedManager(source, Ceilings{}, DefaultSuccessMultiplier, DefaultFailMultiplier)

	require.ErrorIs(t, manager.Seed(context.Background()), ErrEmptyBlock)
}

func TestInformedSeedFieldWithoutSamples(t *testing.T) {
	legacyOnly := &stubSource{
		block:     testBlock(BlockTransaction{Gas: uintPtr(21000), GasPrice: bigPtr(30)}),
		connected: true,
	}
	manager := NewInformedManager(legacyOnly, Ceilings{}, DefaultSuccessMultiplier, DefaultFailMultiplier)

	require.ErrorIs(t, manager.Seed(context.Background()), ErrNoSamples)
}

func TestInformedGasFail(t *testing.T) {
	manager := seededInformed(t, Ceilings{}, Prices{Gas: 47000, MaxFeePerGas: 120, MaxPriorityFeePerGas: 4})

	manager.GasFail()
	require.Equal(t, uint64(61100), manager.Prices().Gas)

	// fee fields stay untouched by a gas failure
	require.Equal(t, uint64(120), manager.Prices().MaxFeePerGas)
	require.Equal(t, uint64(4), manager.Prices().MaxPriorityFeePerGas)
}

func TestInformedExecutionFail(t *testing.T) {
	manager := seededInformed(t, Ceilings{}, Prices{Gas: 47000, MaxFeePerGas: 120, MaxPriorityFeePerGas: 100})

	manager.ExecutionFail()
	prices := manager.Prices()
	require.Equal(t, uint64(130), prices.MaxPriorityFeePerGas)
	// the fee cap never drops below the priority fee
	require.Equal(t, uint64(130), prices.MaxFeePerGas)
	require.GreaterOrEqual(t, prices.MaxFeePerGas, prices.MaxPriorityFeePerGas)
}

func TestInformedExecutionSuccess(t *testing.T) {
	manager := seededInformed(t, Ceilings{}, Prices{Gas: 47000, MaxFeePerGas: 120, MaxPriorityFeePerGas: 100})

	manager.ExecutionSuccess()
	prices := manager.Prices()
	require.Equal(t, uint64(90), prices.MaxPriorityFeePerGas)
	require.Equal(t, uint64(120), prices.MaxFeePerGas)

	// repeated successes keep cheapening, never raising
	manager.ExecutionSuccess()
	require.Equal(t, uint64(81), manager.Prices().MaxPriorityFeePerGas)
}

func TestInformedTransitionsClampToCeilings(t *testing.T) {
	ceilings := Ceilings{Gas: 50000, MaxFeePerGas: 110, MaxPriorityFeePerGas: 105}
	manager := seededInformed(t, ceilings, Prices{Gas: 47000, MaxFeePerGas: 100, MaxPriorityFeePerGas: 100})

	manager.ExecutionFail()
	prices := manager.Prices()
	require.Equal(t, uint64(105), prices.MaxPriorityFeePerGas)
	require.Equal(t, uint64(105), prices.MaxFeePerGas)

	manager.GasFail()
	require.Equal(t, uint64(50000), manager.Prices().Gas)
	manager.GasFail()
	require.Equal(t, uint64(50000), manager.Prices().Gas)
}

func TestInformedFillTransaction(t *testing.T) {
	manager := seededInformed(t, Ceilings{}, Prices{Gas: 47000, MaxFeePerGas: 120, MaxPriorityFeePerGas: 4})

	tx := &Transaction{}
	require.NoError(t, manager.FillTransaction(tx))
	require.Equal(t, hexutil.Uint64(47000), tx.Gas)
	require.Equal(t, hexutil.Uint64(120), tx.MaxFeePerGas)
	require.Equal(t, hexutil.Uint64(4), tx.MaxPriorityFeePerGas)
}

func TestInformedFillBeforeSeed(t *testing.T) {
	manager := NewInformedManager(&stubSource{connected: true}, Ceilings{}, DefaultSuccessMultiplier, DefaultFailMultiplier)

	require.ErrorIs(t, manager.FillTransaction(&Transaction{}), ErrNotSeeded)
}

func TestInformedFillTransactionsBatch(t *testing.T) {
	manager := seededInformed(t, Ceilings{}, Prices{Gas: 21000, MaxFeePerGas: 100, MaxPriorityFeePerGas: 2})

	txs := []*Transaction{{}, {}, nil}
	require.NoError(t, manager.FillTransactions(txs))
	require.Equal(t, hexutil.Uint64(21000), txs[0].Gas)
	require.Equal(t, hexutil.Uint64(21000), txs[1].Gas)
}
