package gas

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotSeeded is returned when an informed manager is asked to fill a
// transaction before any price has been established for it.
var ErrNotSeeded = errors.New("informed prices not seeded")

// Prices is the informed manager's price state. Zero means unset.
type Prices struct {
	Gas                  uint64
	MaxFeePerGas         uint64
	MaxPriorityFeePerGas uint64
}

func (p Prices) forField(field PriceField) uint64 {
	switch field {
	case FieldGas:
		return p.Gas
	case FieldMaxFeePerGas:
		return p.MaxFeePerGas
	default:
		return p.MaxPriorityFeePerGas
	}
}

func (p *Prices) setField(field PriceField, price uint64) {
	switch field {
	case FieldGas:
		p.Gas = price
	case FieldMaxFeePerGas:
		p.MaxFeePerGas = price
	case FieldMaxPriorityFeePerGas:
		p.MaxPriorityFeePerGas = price
	}
}

// InformedManager adjusts its price state from observed submission
// outcomes and fills transactions from that state without touching the
// network. State transitions and fills are safe to call concurrently,
// though feedback only makes sense serialized per submission flow.
type InformedManager struct {
	source   BlockSource
	ceilings Ceilings

	successMultiplier float64
	failMultiplier    float64

	mu     sync.Mutex
	prices Prices
	seeded bool
}

func NewInformedManager(source BlockSource, ceilings Ceilings, successMultiplier, failMultiplier float64) *InformedManager {
	return &InformedManager{
		source:            source,
		ceilings:          ceilings.withDefaults(),
		successMultiplier: successMultiplier,
		failMultiplier:    failMultiplier,
	}
}

// Seed establishes all three prices from the mean of the latest block's
// fee fields.
func (m *InformedManager) Seed(ctx context.Context) error {
	return m.seedFields(ctx, PriceFields)
}

// seedFields prices the given fields from one latest-block fetch. A field
// with no samples in the block fails the whole seed.
func (m *InformedManager) seedFields(ctx context.Context, fields []PriceField) error {
	block, err := m.source.LatestBlock(ctx)
	if err != nil {
		return err
	}
	if len(block.Transactions) == 0 {
		return ErrEmptyBlock
	}

	for _, field := range fields {
		price, err := Suggest(block.PriceSamples(field), MeanPrice, nil)
		if err != nil {
			return fmt.Errorf("seeding %s: %w", field, err)
		}
		m.setPrice(field, price)
	}
	m.markSeeded()
	return nil
}

func (m *InformedManager) setPrice(field PriceField, price uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices.setField(field, m.ceilings.clamp(field, price))
}

func (m *InformedManager) markSeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeded = true
}

// Prices returns a copy of the current price state.
func (m *InformedManager) Prices() Prices {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prices
}

// GasFail reacts to a transaction that failed because its gas was too low
// by raising the gas price.
func (m *InformedManager) GasFail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	raised := uint64(m.failMultiplier * float64(m.prices.Gas))
	m.prices.Gas = m.ceilings.clamp(FieldGas, raised)
}

// ExecutionFail reacts to an execution failure by raising the priority
// fee; the fee cap follows so it never drops below the priority fee.
func (m *InformedManager) ExecutionFail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	raised := uint64(m.failMultiplier * float64(m.prices.MaxPriorityFeePerGas))
	m.adjustFeePair(raised)
}

// ExecutionSuccess reacts to a successful execution by lowering the
// priority fee, cheapening submissions over time. The fee cap invariant
// holds here too.
func (m *InformedManager) ExecutionSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	lowered := uint64(m.successMultiplier * float64(m.prices.MaxPriorityFeePerGas))
	m.adjustFeePair(lowered)
}

// adjustFeePair writes the new priority fee and lifts the fee cap to keep
// maxFeePerGas >= maxPriorityFeePerGas. Callers hold the lock.
func (m *InformedManager) adjustFeePair(priorityFee uint64) {
	priorityFee = m.ceilings.clamp(FieldMaxPriorityFeePerGas, priorityFee)
	m.prices.MaxPriorityFeePerGas = priorityFee

	feeCap := m.prices.MaxFeePerGas
	if priorityFee > feeCap {
		feeCap = priorityFee
	}
	m.prices.MaxFeePerGas = m.ceilings.clamp(FieldMaxFeePerGas, feeCap)
}

// FillTransaction copies the current clamped price state into the
// transaction. No network access happens here.
func (m *InformedManager) FillTransaction(tx *Transaction) error {
	if tx == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded {
		return ErrNotSeeded
	}
	for _, field := range PriceFields {
		tx.setPrice(field, m.ceilings.clamp(field, m.prices.forField(field)))
	}
	return nil
}

// FillTransactions fills a batch from the same state snapshot.
func (m *InformedManager) FillTransactions(txs []*Transaction) error {
	for _, tx := range txs {
		if err := m.FillTransaction(tx); err != nil {
			return err
		}
	}
	return nil
}
