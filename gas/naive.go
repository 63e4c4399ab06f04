package gas

import (
	"context"
	"sync"
)

// Strategies assigns one pricing strategy per price field.
type Strategies struct {
	Gas                  Strategy
	MaxFeePerGas         Strategy
	MaxPriorityFeePerGas Strategy
}

// UniformStrategies applies a single strategy to all three fields.
func UniformStrategies(s Strategy) Strategies {
	return Strategies{Gas: s, MaxFeePerGas: s, MaxPriorityFeePerGas: s}
}

// NaiveManager prices transactions from the fee distribution of the latest
// block. It keeps the last fetched block so repeated suggestions can skip
// the network round trip.
type NaiveManager struct {
	source   BlockSource
	ceilings Ceilings

	// CustomFunc backs the custom strategy. Set before the first fill
	// that uses it.
	CustomFunc PriceFunc

	mu     sync.Mutex
	stored *Block
}

func NewNaiveManager(source BlockSource, ceilings Ceilings) *NaiveManager {
	return &NaiveManager{
		source:   source,
		ceilings: ceilings.withDefaults(),
	}
}

// latestBlock returns the stored block when useStored is set and a fetch
// has already happened, otherwise it fetches and stores the latest block.
func (m *NaiveManager) latestBlock(ctx context.Context, useStored bool) (*Block, error) {
	m.mu.Lock()
	stored := m.stored
	m.mu.Unlock()
	if useStored && stored != nil {
		return stored, nil
	}

	block, err := m.source.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.stored = block
	m.mu.Unlock()
	return block, nil
}

func (m *NaiveManager) storedBlock() *Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stored
}

func (m *NaiveManager) setStoredBlock(block *Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = block
}

// Suggest prices one field from the latest block under the given strategy.
// The suggestion is not clamped, ceilings apply when a value is written
// into a transaction.
func (m *NaiveManager) Suggest(ctx context.Context, strategy Strategy, field PriceField, useStored bool) (uint64, error) {
	block, err := m.latestBlock(ctx, useStored)
	if err != nil {
		return 0, err
	}
	if len(block.Transactions) == 0 {
		return 0, ErrEmptyBlock
	}
	return Suggest(block.PriceSamples(field), strategy, m.CustomFunc)
}

// FillTransaction writes suggested prices into the transaction's three
// price fields, each clamped to its ceiling. The gas suggestion honors
// useStored; the fee fields always reuse the block that suggestion fetched.
func (m *NaiveManager) FillTransaction(ctx context.Context, tx *Transaction, strategies Strategies, useStored bool) error {
	if tx == nil {
		return nil
	}

	gasPrice, err := m.Suggest(ctx, strategies.Gas, FieldGas, useStored)
	if err != nil {
		return err
	}
	tx.setPrice(FieldGas, m.ceilings.clamp(FieldGas, gasPrice))

	feeCap, err := m.Suggest(ctx, strategies.MaxFeePerGas, FieldMaxFeePerGas, true)
	if err != nil {
		return err
	}
	tx.setPrice(FieldMaxFeePerGas, m.ceilings.clamp(FieldMaxFeePerGas, feeCap))

	priorityFee, err := m.Suggest(ctx, strategies.MaxPriorityFeePerGas, FieldMaxPriorityFeePerGas, true)
	if err != nil {
		return err
	}
	tx.setPrice(FieldMaxPriorityFeePerGas, m.ceilings.clamp(FieldMaxPriorityFeePerGas, priorityFee))
	return nil
}

// FillTransactions fills a batch, one transaction at a time.
func (m *NaiveManager) FillTransactions(ctx context.Context, txs []*Transaction, strategies Strategies, useStored bool) error {
	for _, tx := range txs {
		if err := m.FillTransaction(ctx, tx, strategies, useStored); err != nil {
			return err
		}
	}
	return nil
}
