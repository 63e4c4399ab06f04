package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/go-utils/signature"
	"go.uber.org/zap"

	"github.com/flashbots/builder-proxy/metrics"
)

// jsonrpcRequest is the envelope POSTed to builders. IDs increase
// monotonically across all requests made by one client.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BuilderRPC submits private transactions, bundles and cancellations to a
// fixed set of builders concurrently. The zero value is not usable, create
// one with NewBuilderRPC and call Open before the first send.
//
// Concurrent sends over one open client are safe; Open and Close must be
// driven by a single owner.
type BuilderRPC struct {
	log      *zap.Logger
	builders []*Builder
	signer   *signature.Signer
	client   *http.Client

	id atomic.Uint64

	// fixed routing targets for the relay-only operations; nil means the
	// production endpoints
	relayBuilder *Builder
	statsBuilder *Builder

	mu     sync.Mutex
	opened bool
	closed bool
}

func (rpc *BuilderRPC) relay() *Builder {
	if rpc.relayBuilder != nil {
		return rpc.relayBuilder
	}
	return NewFlashbotsBuilder()
}

func (rpc *BuilderRPC) stats() *Builder {
	if rpc.statsBuilder != nil {
		return rpc.statsBuilder
	}
	return NewTitanBuilder()
}

// NewBuilderRPC creates a client for the given builders. The signer may be
// nil as long as no configured builder requires request signing; sends to a
// signing builder without one fail with ErrNoSigner.
func NewBuilderRPC(log *zap.Logger, signer *signature.Signer, builders ...*Builder) *BuilderRPC {
	if log == nil {
		log = zap.NewNop()
	}
	return &BuilderRPC{
		log:      log.Named("rpc"),
		builders: builders,
		signer:   signer,
	}
}

// Open prepares the HTTP session. Opening an already open client is a
// no-op; opening after Close fails.
func (rpc *BuilderRPC) Open() error {
	rpc.mu.Lock()
	defer rpc.mu.Unlock()
	if rpc.closed {
		return ErrSessionClosed
	}
	if !rpc.opened {
		rpc.client = &http.Client{}
		rpc.opened = true
	}
	return nil
}

// Close releases the HTTP session. The client cannot be reused afterwards.
func (rpc *BuilderRPC) Close() error {
	rpc.mu.Lock()
	defer rpc.mu.Unlock()
	if rpc.closed {
		return ErrSessionClosed
	}
	if !rpc.opened {
		return ErrSessionNotStarted
	}
	rpc.client.CloseIdleConnections()
	rpc.opened = false
	rpc.closed = true
	return nil
}

func (rpc *BuilderRPC) session() (*http.Client, error) {
	rpc.mu.Lock()
	defer rpc.mu.Unlock()
	if rpc.closed {
		return nil, ErrSessionClosed
	}
	if !rpc.opened {
		return nil, ErrSessionNotStarted
	}
	return rpc.client, nil
}

func (rpc *BuilderRPC) buildEnvelope(method string, params []any) *jsonrpcRequest {
	return &jsonrpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      rpc.id.Add(1) - 1,
	}
}

// post marshals the envelope, signs it when the builder demands it and
// decodes the reply. The signature covers the exact bytes on the wire.
func (rpc *BuilderRPC) post(ctx context.Context, client *http.Client, builder *Builder, envelope *jsonrpcRequest) (json.RawMessage, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, builder.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if builder.SigningRequired {
		if rpc.signer == nil {
			return nil, ErrNoSigner
		}
		header, err := rpc.signer.Create(body)
		if err != nil {
			return nil, err
		}
		req.Header.Set(signature.HTTPHeader, header)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		metrics.IncBuilderRequestError(builder.Name)
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.IncBuilderRequestError(builder.Name)
		return nil, err
	}

	rpc.log.Debug("Sent builder request",
		zap.String("builder", builder.Name),
		zap.String("method", envelope.Method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		metrics.IncBuilderRequestError(builder.Name)
		return nil, newHTTPRequestError(resp.StatusCode, builder.URL, envelope.Method, envelope.Params)
	}

	var decoded jsonrpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		metrics.IncBuilderRequestError(builder.Name)
		return nil, err
	}
	if decoded.Result != nil {
		metrics.IncBuilderRequest(builder.Name)
		return decoded.Result, nil
	}
	if decoded.Error != nil {
		metrics.IncBuilderRequestError(builder.Name)
		return nil, newRPCRequestError(decoded.Error.Code, decoded.Error.Message, builder.URL, envelope.Method, envelope.Params)
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, raw)
}

func (rpc *BuilderRPC) send(ctx context.Context, builder *Builder, method string, params []any) (json.RawMessage, error) {
	client, err := rpc.session()
	if err != nil {
		return nil, err
	}
	return rpc.post(ctx, client, builder, rpc.buildEnvelope(method, params))
}

// fanOut submits one request per configured builder concurrently. Envelopes
// are built in builder order so the request IDs stay sequential. The result
// slice is parallel to the builder list; the first error in builder order
// is also returned so aggregate failure stays a single error check.
func (rpc *BuilderRPC) fanOut(ctx context.Context, methodFor func(*Builder) string, paramsFor func(*Builder) []any) ([]SendResult, error) {
	client, err := rpc.session()
	if err != nil {
		return nil, err
	}
	if len(rpc.builders) == 0 {
		return nil, ErrNoBuilders
	}

	results := make([]SendResult, len(rpc.builders))
	var wg sync.WaitGroup
	for idx, builder := range rpc.builders {
		envelope := rpc.buildEnvelope(methodFor(builder), paramsFor(builder))

		wg.Add(1)
		go func(idx int, builder *Builder, envelope *jsonrpcRequest) {
			defer wg.Done()

			result, err := rpc.post(ctx, client, builder, envelope)
			if err != nil {
				rpc.log.Warn("Builder request failed", zap.String("builder", builder.Name), zap.Error(err))
			}
			results[idx] = SendResult{Builder: builder.Name, Result: result, Err: err}
		}(idx, builder, envelope)
	}
	wg.Wait()

	for _, result := range results {
		if result.Err != nil {
			return results, result.Err
		}
	}
	return results, nil
}

// SendPrivateTransaction submits a signed raw transaction to every
// configured builder, each in its own payload shape. opts may be nil.
func (rpc *BuilderRPC) SendPrivateTransaction(ctx context.Context, tx hexutil.Bytes, opts *PrivateTxOptions) ([]SendResult, error) {
	return rpc.fanOut(ctx,
		func(b *Builder) string { return b.PrivateTxMethod },
		func(b *Builder) []any { return b.FormatPrivateTransaction(tx, opts) },
	)
}

// SendBundle submits a bundle to every configured builder, filtered down to
// the fields each builder supports.
func (rpc *BuilderRPC) SendBundle(ctx context.Context, bundle *Bundle) ([]SendResult, error) {
	return rpc.fanOut(ctx,
		func(b *Builder) string { return b.BundleMethod },
		func(b *Builder) []any { return b.FormatBundle(bundle) },
	)
}

// CancelBundle cancels bundles by their replacement UUIDs on every
// configured builder.
func (rpc *BuilderRPC) CancelBundle(ctx context.Context, uuids ...string) ([]SendResult, error) {
	return rpc.fanOut(ctx,
		func(b *Builder) string { return b.CancelMethod },
		func(b *Builder) []any { return b.FormatCancellation(uuids...) },
	)
}

// SendMevBundle routes a mev-share bundle through the flashbots relay,
// which forwards to the builders named in the privacy section. Every
// configured builder's name is appended to that list before sending; the
// mutation is visible to the caller.
func (rpc *BuilderRPC) SendMevBundle(ctx context.Context, bundle *MevBundle) (json.RawMessage, error) {
	names := make([]string, len(rpc.builders))
	for i, builder := range rpc.builders {
		names[i] = builder.Name
	}
	if bundle.Privacy == nil {
		bundle.Privacy = &MevBundlePrivacy{}
	}
	bundle.Privacy.Builders = append(bundle.Privacy.Builders, names...)

	return rpc.send(ctx, rpc.relay(), MevSendBundleMethod, []any{bundle})
}

// BundleStats queries the titan builder for the status of a previously
// submitted bundle. The query is tied to the signing identity, so a signer
// is mandatory.
func (rpc *BuilderRPC) BundleStats(ctx context.Context, bundleHash common.Hash) (json.RawMessage, error) {
	if rpc.signer == nil {
		return nil, ErrNoSigner
	}
	params := []any{map[string]any{
		"bundleHash":     bundleHash,
		"signingAddress": rpc.signer.Address(),
	}}
	return rpc.send(ctx, rpc.stats(), BundleStatsMethod, params)
}
