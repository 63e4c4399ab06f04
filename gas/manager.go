package gas

import (
	"context"
	"sync"
)

// Default feedback multipliers for informed pricing scopes.
const (
	DefaultSuccessMultiplier = 0.9
	DefaultFailMultiplier    = 1.3
)

// InformedOptions configures an informed pricing scope. Zero multipliers
// fall back to the defaults; zero initial prices mean unset, letting the
// carried or statistical seed take over per field.
type InformedOptions struct {
	SuccessMultiplier float64
	FailMultiplier    float64

	InitialGas                  uint64
	InitialMaxFeePerGas         uint64
	InitialMaxPriorityFeePerGas uint64
}

// Manager owns the pricing configuration and carries the sub-managers'
// state across scopes: the naive manager's block cache and the informed
// manager's last-known prices.
type Manager struct {
	source   BlockSource
	ceilings Ceilings

	mu             sync.Mutex
	naiveStored    *Block
	informedPrices Prices
}

func NewManager(source BlockSource, ceilings Ceilings) *Manager {
	return &Manager{
		source:   source,
		ceilings: ceilings.withDefaults(),
	}
}

// openScope opens the source when it is not already connected and reports
// whether this scope owns the close.
func (g *Manager) openScope(ctx context.Context) (bool, error) {
	if g.source.Connected() {
		return false, nil
	}
	if err := g.source.Open(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// NaiveScope runs fn with a NaiveManager wired to the shared source and
// ceilings. The block cache is handed in on entry and carried back on
// every exit path, so later scopes can reuse it through the stored-results
// path. A source that was not connected when the scope began is closed
// again on exit.
func (g *Manager) NaiveScope(ctx context.Context, fn func(*NaiveManager) error) (err error) {
	naive := NewNaiveManager(g.source, g.ceilings)

	g.mu.Lock()
	naive.setStoredBlock(g.naiveStored)
	g.mu.Unlock()

	openedHere, err := g.openScope(ctx)
	if err != nil {
		return err
	}
	defer func() {
		g.mu.Lock()
		g.naiveStored = naive.storedBlock()
		g.mu.Unlock()
		if openedHere {
			if closeErr := g.source.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	}()

	return fn(naive)
}

// InformedScope runs fn with an InformedManager seeded per field: a
// supplied initial price wins, then the carried price from the previous
// scope, then the mean of the latest block. The resulting state is carried
// back on every exit path so the next scope continues where this one left
// off.
func (g *Manager) InformedScope(ctx context.Context, opts InformedOptions, fn func(*InformedManager) error) (err error) {
	success := opts.SuccessMultiplier
	if success == 0 {
		success = DefaultSuccessMultiplier
	}
	fail := opts.FailMultiplier
	if fail == 0 {
		fail = DefaultFailMultiplier
	}

	informed := NewInformedManager(g.source, g.ceilings, success, fail)

	g.mu.Lock()
	carried := g.informedPrices
	g.mu.Unlock()

	var needSeed []PriceField
	seedOne := func(field PriceField, initial, carried uint64) {
		switch {
		case initial != 0:
			informed.setPrice(field, initial)
		case carried != 0:
			informed.setPrice(field, carried)
		default:
			needSeed = append(needSeed, field)
		}
	}
	seedOne(FieldGas, opts.InitialGas, carried.Gas)
	seedOne(FieldMaxFeePerGas, opts.InitialMaxFeePerGas, carried.MaxFeePerGas)
	seedOne(FieldMaxPriorityFeePerGas, opts.InitialMaxPriorityFeePerGas, carried.MaxPriorityFeePerGas)

	openedHere, err := g.openScope(ctx)
	if err != nil {
		return err
	}
	defer func() {
		g.mu.Lock()
		g.informedPrices = informed.Prices()
		g.mu.Unlock()
		if openedHere {
			if closeErr := g.source.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	}()

	if len(needSeed) > 0 {
		if err := informed.seedFields(ctx, needSeed); err != nil {
			return err
		}
	} else {
		informed.markSeeded()
	}

	return fn(informed)
}

// ClearNaiveState drops the carried block cache.
func (g *Manager) ClearNaiveState() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.naiveStored = nil
}

// ClearInformedState zeroes the carried informed prices.
func (g *Manager) ClearInformedState() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.informedPrices = Prices{}
}

// ClearState drops all carried state.
func (g *Manager) ClearState() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.naiveStored = nil
	g.informedPrices = Prices{}
}
