package gas

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

// stubSource is an in-memory BlockSource for the manager tests. It counts
// lifecycle calls and upstream fetches.
type stubSource struct {
	mu        sync.Mutex
	block     *Block
	err       error
	connected bool

	opens   atomic.Int64
	closes  atomic.Int64
	fetches atomic.Int64
}

func (s *stubSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens.Add(1)
	s.connected = true
	return nil
}

func (s *stubSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrSourceNotOpen
	}
	s.closes.Add(1)
	s.connected = false
	return nil
}

func (s *stubSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubSource) LatestBlock(ctx context.Context) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.block, nil
}

func (s *stubSource) setBlock(block *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = block
}

func uintPtr(v hexutil.Uint64) *hexutil.Uint64 { return &v }

func bigPtr(v uint64) *hexutil.Big {
	b := hexutil.Big{}
	b.ToInt().SetUint64(v)
	return &b
}

// feeTx builds a block transaction carrying all three price fields.
func feeTx(gas, feeCap, priorityFee uint64) BlockTransaction {
	return BlockTransaction{
		Gas:                  uintPtr(hexutil.Uint64(gas)),
		MaxFeePerGas:         bigPtr(feeCap),
		MaxPriorityFeePerGas: bigPtr(priorityFee),
	}
}

func testBlock(txs ...BlockTransaction) *Block {
	return &Block{Number: 0x10, Transactions: txs}
}

func TestPriceSamplesSkipMissingFields(t *testing.T) {
	legacy := BlockTransaction{Gas: uintPtr(21000), GasPrice: bigPtr(30)}
	block := testBlock(feeTx(50000, 100, 2), legacy, feeTx(70000, 120, 4))

	require.Equal(t, []uint64{50000, 21000, 70000}, block.PriceSamples(FieldGas))
	require.Equal(t, []uint64{100, 120}, block.PriceSamples(FieldMaxFeePerGas))
	require.Equal(t, []uint64{2, 4}, block.PriceSamples(FieldMaxPriorityFeePerGas))
}

// rpcNode mocks an execution node serving eth_blockNumber and
// eth_getBlockByNumber.
func rpcNode(t *testing.T, blockJSON string) (string, *atomic.Int64) {
	t.Helper()
	var blockFetches atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result string
		switch req.Method {
		case "eth_blockNumber":
			result = `"0x10"`
		case "eth_getBlockByNumber":
			blockFetches.Add(1)
			result = blockJSON
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}

		id, err := json.Marshal(req.ID)
		require.NoError(t, err)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(id) + `,"result":` + result + `}`))
	}))
	t.Cleanup(server.Close)
	return server.URL, &blockFetches
}

func TestRPCBlockSource(t *testing.T) {
	url, fetches := rpcNode(t, `{
		"number": "0x10",
		"transactions": [
			{"gas": "0x5208", "maxFeePerGas": "0x64", "maxPriorityFeePerGas": "0x2"},
			{"gas": "0xc350", "gasPrice": "0x1e"}
		]
	}`)
	source := NewRPCBlockSource(url)

	_, err := source.LatestBlock(context.Background())
	require.ErrorIs(t, err, ErrSourceNotOpen)

	require.NoError(t, source.Open(context.Background()))
	require.True(t, source.Connected())

	block, err := source.LatestBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, hexutil.Uint64(0x10), block.Number)
	require.Len(t, block.Transactions, 2)
	require.Equal(t, []uint64{21000, 50000}, block.PriceSamples(FieldGas))
	require.Equal(t, []uint64{100}, block.PriceSamples(FieldMaxFeePerGas))
	require.Equal(t, int64(1), fetches.Load())

	require.NoError(t, source.Close())
	require.False(t, source.Connected())
	require.ErrorIs(t, source.Close(), ErrSourceNotOpen)

	// sources reopen, the pricing scopes cycle them
	require.NoError(t, source.Open(context.Background()))
	_, err = source.LatestBlock(context.Background())
	require.NoError(t, err)
	require.NoError(t, source.Close())
}

func TestRPCBlockSourceOpenHonorsContext(t *testing.T) {
	source := NewRPCBlockSource("http://127.0.0.1:1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := source.Open(ctx)
	require.Error(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
	require.False(t, source.Connected())
}

func TestCachingBlockSourceReusesBlock(t *testing.T) {
	inner := &stubSource{block: testBlock(feeTx(21000, 100, 2))}
	source := NewCachingBlockSource(inner, time.Minute)

	require.NoError(t, source.Open(context.Background()))
	defer func() { _ = source.Close() }()

	first, err := source.LatestBlock(context.Background())
	require.NoError(t, err)
	second, err := source.LatestBlock(context.Background())
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, int64(1), inner.fetches.Load())
}

func TestCachingBlockSourceExpiry(t *testing.T) {
	inner := &stubSource{block: testBlock(feeTx(21000, 100, 2))}
	source := NewCachingBlockSource(inner, 30*time.Millisecond)

	require.NoError(t, source.Open(context.Background()))
	defer func() { _ = source.Close() }()

	_, err := source.LatestBlock(context.Background())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = source.LatestBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), inner.fetches.Load())
}

func TestCachingBlockSourceCollapsesConcurrentFetches(t *testing.T) {
	inner := &slowSource{stubSource: stubSource{block: testBlock(feeTx(21000, 100, 2))}}
	source := NewCachingBlockSource(inner, time.Minute)

	require.NoError(t, source.Open(context.Background()))
	defer func() { _ = source.Close() }()

	const callers = 8
	var wg sync.WaitGroup
	blocks := make([]*Block, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blocks[i], errs[i] = source.LatestBlock(context.Background())
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), inner.fetches.Load())
	for i, block := range blocks {
		require.NoError(t, errs[i])
		require.Same(t, blocks[0], block)
	}
}

// slowSource delays fetches long enough for concurrent callers to pile up.
type slowSource struct {
	stubSource
}

func (s *slowSource) LatestBlock(ctx context.Context) (*Block, error) {
	time.Sleep(50 * time.Millisecond)
	return s.stubSource.LatestBlock(ctx)
}
