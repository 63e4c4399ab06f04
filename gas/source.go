package gas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gocache "github.com/patrickmn/go-cache"
	"github.com/ybbus/jsonrpc/v3"
)

var (
	ErrSourceNotOpen = errors.New("block source not opened")
	ErrEmptyBlock    = errors.New("latest block has no transactions")
)

// Block is the slice of an eth_getBlockByNumber(_, true) response the
// pricing code consumes.
type Block struct {
	Number       hexutil.Uint64     `json:"number"`
	Transactions []BlockTransaction `json:"transactions"`
}

type BlockTransaction struct {
	Hash                 common.Hash     `json:"hash"`
	Gas                  *hexutil.Uint64 `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
}

// PriceSamples returns every present value of the field across the block's
// transactions. Legacy transactions carry no fee cap fields and drop out
// of those samples.
func (b *Block) PriceSamples(field PriceField) []uint64 {
	samples := make([]uint64, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		switch field {
		case FieldGas:
			if tx.Gas != nil {
				samples = append(samples, uint64(*tx.Gas))
			}
		case FieldMaxFeePerGas:
			if tx.MaxFeePerGas != nil {
				samples = append(samples, tx.MaxFeePerGas.ToInt().Uint64())
			}
		case FieldMaxPriorityFeePerGas:
			if tx.MaxPriorityFeePerGas != nil {
				samples = append(samples, tx.MaxPriorityFeePerGas.ToInt().Uint64())
			}
		}
	}
	return samples
}

// BlockSource provides the latest block with full transaction bodies.
// Sources are connection scoped: Open before the first fetch, Close when
// done. Open and Close may cycle, the pricing scopes rely on that.
type BlockSource interface {
	Open(ctx context.Context) error
	Close() error
	Connected() bool
	LatestBlock(ctx context.Context) (*Block, error)
}

// RPCBlockSource fetches blocks over plain JSON-RPC from an execution
// node.
type RPCBlockSource struct {
	url    string
	client jsonrpc.RPCClient

	mu        sync.Mutex
	connected bool
}

func NewRPCBlockSource(url string) *RPCBlockSource {
	return &RPCBlockSource{
		url:    url,
		client: jsonrpc.NewClient(url),
	}
}

// Open probes the endpoint with eth_blockNumber, retrying briefly so a
// node that is still coming up does not fail the whole scope.
func (s *RPCBlockSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	back := backoff.NewExponentialBackOff()
	back.MaxInterval = 3 * time.Second
	back.MaxElapsedTime = 12 * time.Second

	err := backoff.Retry(func() error {
		var number hexutil.Uint64
		return s.client.CallFor(ctx, &number, "eth_blockNumber")
	}, backoff.WithContext(back, ctx))
	if err != nil {
		return fmt.Errorf("probing %s: %w", s.url, err)
	}
	s.connected = true
	return nil
}

func (s *RPCBlockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrSourceNotOpen
	}
	s.connected = false
	return nil
}

func (s *RPCBlockSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *RPCBlockSource) LatestBlock(ctx context.Context) (*Block, error) {
	if !s.Connected() {
		return nil, ErrSourceNotOpen
	}

	var block Block
	err := s.client.CallFor(ctx, &block, "eth_getBlockByNumber", "latest", true)
	if err != nil {
		return nil, err
	}
	return &block, nil
}

const latestBlockKey = "latest"

// CachingBlockSource wraps another source with a short TTL cache and
// collapses concurrent fetches into a single upstream call, so a burst of
// pricing requests does not hammer the node.
type CachingBlockSource struct {
	inner BlockSource
	ttl   time.Duration
	cache *gocache.Cache

	mu      sync.Mutex
	waiters []chan blockResult
}

type blockResult struct {
	block *Block
	err   error
}

func NewCachingBlockSource(inner BlockSource, ttl time.Duration) *CachingBlockSource {
	return &CachingBlockSource{
		inner: inner,
		ttl:   ttl,
		cache: gocache.New(ttl, 5*time.Millisecond),
	}
}

func (s *CachingBlockSource) Open(ctx context.Context) error { return s.inner.Open(ctx) }
func (s *CachingBlockSource) Close() error                   { return s.inner.Close() }
func (s *CachingBlockSource) Connected() bool                { return s.inner.Connected() }

func (s *CachingBlockSource) LatestBlock(ctx context.Context) (*Block, error) {
	if cached, ok := s.cache.Get(latestBlockKey); ok {
		return cached.(*Block), nil
	}

	s.mu.Lock()
	if cached, ok := s.cache.Get(latestBlockKey); ok {
		s.mu.Unlock()
		return cached.(*Block), nil
	}
	if s.waiters != nil {
		ch := make(chan blockResult, 1)
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			return res.block, res.err
		}
	}
	// non-nil waiters marks a fetch in flight
	s.waiters = make([]chan blockResult, 0, 4)
	s.mu.Unlock()

	block, err := s.inner.LatestBlock(ctx)
	if err == nil {
		s.cache.Set(latestBlockKey, block, s.ttl)
	}

	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- blockResult{block: block, err: err}
		close(ch)
	}
	return block, err
}
