package gas

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func naiveFixture() *stubSource {
	return &stubSource{
		block: testBlock(
			feeTx(21000, 100, 2),
			feeTx(50000, 120, 4),
			feeTx(70000, 140, 6),
		),
		connected: true,
	}
}

func TestNaiveSuggest(t *testing.T) {
	source := naiveFixture()
	manager := NewNaiveManager(source, Ceilings{})

	price, err := manager.Suggest(context.Background(), MeanPrice, FieldGas, false)
	require.NoError(t, err)
	require.Equal(t, uint64(47000), price)

	price, err = manager.Suggest(context.Background(), MaxPrice, FieldMaxFeePerGas, true)
	require.NoError(t, err)
	require.Equal(t, uint64(140), price)

	price, err = manager.Suggest(context.Background(), MinPrice, FieldMaxPriorityFeePerGas, true)
	require.NoError(t, err)
	require.Equal(t, uint64(2), price)
}

func TestNaiveSuggestStoredResults(t *testing.T) {
	source := naiveFixture()
	manager := NewNaiveManager(source, Ceilings{})

	first, err := manager.Suggest(context.Background(), MedianPrice, FieldGas, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), source.fetches.Load())

	// the stored block answers repeated suggestions without a refetch
	second, err := manager.Suggest(context.Background(), MedianPrice, FieldGas, true)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int64(1), source.fetches.Load())

	// a fresh suggestion refetches and replaces the stored block
	source.setBlock(testBlock(feeTx(30000, 100, 2)))
	third, err := manager.Suggest(context.Background(), MedianPrice, FieldGas, false)
	require.NoError(t, err)
	require.Equal(t, uint64(30000), third)
	require.Equal(t, int64(2), source.fetches.Load())
}

func TestNaiveSuggestEmptyBlock(t *testing.T) {
	source := &stubSource{block: testBlock(), connected: true}
	manager := NewNaiveManager(source, Ceilings{})

	_, err := manager.Suggest(context.Background(), MeanPrice, FieldGas, false)
	require.ErrorIs(t, err, ErrEmptyBlock)
}

func TestNaiveFillTransaction(t *testing.T) {
	source := naiveFixture()
	manager := NewNaiveManager(source, Ceilings{})

	tx := &Transaction{}
	err := manager.FillTransaction(context.Background(), tx, UniformStrategies(MeanPrice), false)
	require.NoError(t, err)
	require.Equal(t, hexutil.Uint64(47000), tx.Gas)
	require.Equal(t, hexutil.Uint64(120), tx.MaxFeePerGas)
	require.Equal(t, hexutil.Uint64(4), tx.MaxPriorityFeePerGas)

	// the fee fields reuse the block fetched for the gas suggestion
	require.Equal(t, int64(1), source.fetches.Load())
}

func TestNaiveFillTransactionPerFieldStrategies(t *testing.T) {
	source := naiveFixture()
	manager := NewNaiveManager(source, Ceilings{})

	tx := &Transaction{}
	strategies := Strategies{Gas: MaxPrice, MaxFeePerGas: MinPrice, MaxPriorityFeePerGas: MedianPrice}
	require.NoError(t, manager.FillTransaction(context.Background(), tx, strategies, false))
	require.Equal(t, hexutil.Uint64(70000), tx.Gas)
	require.Equal(t, hexutil.Uint64(100), tx.MaxFeePerGas)
	require.Equal(t, hexutil.Uint64(4), tx.MaxPriorityFeePerGas)
}

func TestNaiveFillTransactionClampsToCeilings(t *testing.T) {
	source := naiveFixture()
	manager := NewNaiveManager(source, Ceilings{Gas: 40000, MaxFeePerGas: 110, MaxPriorityFeePerGas: 3})

	tx := &Transaction{}
	require.NoError(t, manager.FillTransaction(context.Background(), tx, UniformStrategies(MeanPrice), false))
	require.Equal(t, hexutil.Uint64(40000), tx.Gas)
	require.Equal(t, hexutil.Uint64(110), tx.MaxFeePerGas)
	require.Equal(t, hexutil.Uint64(3), tx.MaxPriorityFeePerGas)
}

func TestNaiveFillTransactionCustomStrategy(t *testing.T) {
	source := naiveFixture()
	manager := NewNaiveManager(source, Ceilings{})
	manager.CustomFunc = func(samples []uint64) float64 {
		var max float64
		for _, s := range samples {
			if float64(s) > max {
				max = float64(s)
			}
		}
		return max * 2
	}

	tx := &Transaction{}
	require.NoError(t, manager.FillTransaction(context.Background(), tx, UniformStrategies(CustomPrice), false))
	require.Equal(t, hexutil.Uint64(140000), tx.Gas)
	require.Equal(t, hexutil.Uint64(280), tx.MaxFeePerGas)
	require.Equal(t, hexutil.Uint64(12), tx.MaxPriorityFeePerGas)
}

func TestNaiveFillTransactionsBatch(t *testing.T) {
	source := naiveFixture()
	manager := NewNaiveManager(source, Ceilings{})

	txs := []*Transaction{{}, {}, nil}
	require.NoError(t, manager.FillTransactions(context.Background(), txs, UniformStrategies(MeanPrice), true))
	require.Equal(t, hexutil.Uint64(47000), txs[0].Gas)
	require.Equal(t, hexutil.Uint64(47000), txs[1].Gas)

	// with stored results requested, the whole batch shares one fetch
	require.Equal(t, int64(1), source.fetches.Load())
}
