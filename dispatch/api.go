package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flashbots/builder-proxy/gas"
	"github.com/flashbots/builder-proxy/jsonrpcserver"
	"github.com/flashbots/builder-proxy/metrics"
)

const (
	SendPrivateTransactionEndpointName = "eth_sendPrivateTransaction"
	SendBundleEndpointName             = "eth_sendBundle"
	CancelBundleEndpointName           = "eth_cancelBundle"
	SendMevBundleEndpointName          = MevSendBundleMethod
	BundleStatsEndpointName            = BundleStatsMethod
	GasSuggestEndpointName             = "gas_suggest"
)

var (
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrInvalidCancellation = errors.New("invalid cancellation, no replacement uuid")
	ErrKnownReplacement    = errors.New("replacement uuid was cancelled")

	ErrInternalServiceError = errors.New("builder-proxy service error")

	cancelBundleTimeout = 3 * time.Second
	bundleCacheSize     = 1000
)

// SubmissionStore keeps the history of fanned-out submissions.
type SubmissionStore interface {
	InsertSubmission(ctx context.Context, record *SubmissionRecord) error
}

// ReplacementTracker counts bundle replacements and remembers cancelled
// replacement UUIDs per signing address.
type ReplacementTracker interface {
	IncReplacementNonce(ctx context.Context, signer, replacementUUID string) (uint64, error)
	Cancel(ctx context.Context, signer, replacementUUID string) error
	IsCancelled(ctx context.Context, signer string, replacementUUIDs ...string) (bool, error)
}

// API exposes the submission engine over JSON-RPC for proxy deployments.
// The store, event backend and replacement tracker are optional, a nil one
// disables that concern.
type API struct {
	log *zap.Logger

	rpc          *BuilderRPC
	gasManager   *gas.Manager
	store        SubmissionStore
	events       EventBackend
	replacements ReplacementTracker

	sendRateLimiter  *rate.Limiter
	knownBundleCache *lru.Cache[common.Hash, hexutil.Uint64]
}

func NewAPI(
	log *zap.Logger,
	rpc *BuilderRPC, gasManager *gas.Manager,
	store SubmissionStore, events EventBackend, replacements ReplacementTracker,
	sendRateLimit rate.Limit,
) *API {
	return &API{
		log: log,

		rpc:          rpc,
		gasManager:   gasManager,
		store:        store,
		events:       events,
		replacements: replacements,

		sendRateLimiter:  rate.NewLimiter(sendRateLimit, 1),
		knownBundleCache: lru.NewCache[common.Hash, hexutil.Uint64](bundleCacheSize),
	}
}

// finishSubmission fills the per-builder outcome into the record, stores it
// and publishes it. Bookkeeping failures are logged, they never fail the
// submission itself.
func (m *API) finishSubmission(ctx context.Context, record *SubmissionRecord, results []SendResult, sendErr error) {
	record.RecordResults(results, sendErr)
	if m.store != nil {
		if err := m.store.InsertSubmission(ctx, record); err != nil {
			m.log.Error("Failed to store submission", zap.Error(err), zap.String("method", record.Method))
		}
	}
	if m.events != nil {
		if err := m.events.NotifySubmission(ctx, NewSubmissionEvent(record)); err != nil {
			m.log.Error("Failed to publish submission event", zap.Error(err), zap.String("method", record.Method))
		}
	}
}

// SendPrivateTransactionArgs is the eth_sendPrivateTransaction request
// object.
type SendPrivateTransactionArgs struct {
	Tx             hexutil.Bytes   `json:"tx"`
	MaxBlockNumber *hexutil.Uint64 `json:"maxBlockNumber,omitempty"`
	Preferences    json.RawMessage `json:"preferences,omitempty"`
}

func (m *API) SendPrivateTransaction(ctx context.Context, args SendPrivateTransactionArgs) (_ common.Hash, err error) {
	logger := m.log
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SendPrivateTransactionEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SendPrivateTransactionEndpointName)
		}
	}()
	metrics.IncSubmissionsReceived()

	if len(args.Tx) == 0 {
		metrics.IncSubmissionsRejected()
		return common.Hash{}, ErrInvalidTransaction
	}
	hash := TxHash(args.Tx)

	err = m.sendRateLimiter.Wait(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	record := NewSubmissionRecord(SendPrivateTransactionEndpointName)
	record.BundleHash = hash
	record.Signer = jsonrpcserver.GetSigner(ctx)

	var opts *PrivateTxOptions
	if args.MaxBlockNumber != nil || len(args.Preferences) > 0 {
		opts = &PrivateTxOptions{MaxBlockNumber: args.MaxBlockNumber}
		if len(args.Preferences) > 0 {
			opts.Preferences = args.Preferences
		}
	}
	if args.MaxBlockNumber != nil {
		record.TargetBlock = uint64(*args.MaxBlockNumber)
	}

	results, sendErr := m.rpc.SendPrivateTransaction(ctx, args.Tx, opts)
	m.finishSubmission(ctx, record, results, sendErr)
	if sendErr != nil {
		logger.Warn("Failed to send private transaction", zap.Error(sendErr), zap.String("hash", hash.Hex()))
		return common.Hash{}, sendErr
	}
	return hash, nil
}

// SendBundleResponse is the eth_sendBundle result object.
type SendBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}

func (m *API) SendBundle(ctx context.Context, bundle Bundle) (_ SendBundleResponse, err error) {
	logger := m.log
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SendBundleEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SendBundleEndpointName)
		}
	}()
	metrics.IncSubmissionsReceived()

	hash, err := BundleHash(&bundle)
	if err != nil {
		metrics.IncSubmissionsRejected()
		logger.Warn("Failed to hash bundle", zap.Error(err))
		return SendBundleResponse{}, err
	}

	var targetBlock hexutil.Uint64
	if bundle.BlockNumber != nil {
		targetBlock = *bundle.BlockNumber
	}
	if knownBlock, ok := m.knownBundleCache.Get(hash); ok {
		if targetBlock <= knownBlock {
			logger.Debug("Bundle already known, ignoring", zap.String("hash", hash.Hex()))
			return SendBundleResponse{BundleHash: hash}, nil
		}
	}
	m.knownBundleCache.Add(hash, targetBlock)

	signer := jsonrpcserver.GetSigner(ctx)
	if bundle.ReplacementUUID != "" && m.replacements != nil {
		cancelled, err := m.replacements.IsCancelled(ctx, signer.Hex(), bundle.ReplacementUUID)
		if err != nil {
			logger.Error("Failed to check replacement cancellation", zap.Error(err))
			return SendBundleResponse{}, ErrInternalServiceError
		}
		if cancelled {
			metrics.IncSubmissionsRejected()
			return SendBundleResponse{}, ErrKnownReplacement
		}
		if _, err := m.replacements.IncReplacementNonce(ctx, signer.Hex(), bundle.ReplacementUUID); err != nil {
			logger.Error("Failed to count replacement", zap.Error(err))
		}
	}

	err = m.sendRateLimiter.Wait(ctx)
	if err != nil {
		return SendBundleResponse{}, err
	}

	record := NewSubmissionRecord(SendBundleEndpointName)
	record.BundleHash = hash
	record.ReplacementUUID = bundle.ReplacementUUID
	record.Signer = signer
	record.TargetBlock = uint64(targetBlock)

	results, sendErr := m.rpc.SendBundle(ctx, &bundle)
	m.finishSubmission(ctx, record, results, sendErr)
	if sendErr != nil {
		logger.Warn("Failed to send bundle", zap.Error(sendErr), zap.String("hash", hash.Hex()))
		return SendBundleResponse{}, sendErr
	}
	return SendBundleResponse{BundleHash: hash}, nil
}

// CancelBundleArgs is the eth_cancelBundle request object.
type CancelBundleArgs struct {
	ReplacementUUID string `json:"replacementUuid"`
}

func (m *API) CancelBundle(ctx context.Context, args CancelBundleArgs) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(CancelBundleEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(CancelBundleEndpointName)
		}
	}()
	if args.ReplacementUUID == "" {
		return ErrInvalidCancellation
	}
	logger := m.log.With(zap.String("replacementUuid", args.ReplacementUUID))
	ctx, cancel := context.WithTimeout(ctx, cancelBundleTimeout)
	defer cancel()

	signer := jsonrpcserver.GetSigner(ctx)
	record := NewSubmissionRecord(CancelBundleEndpointName)
	record.ReplacementUUID = args.ReplacementUUID
	record.Signer = signer

	results, sendErr := m.rpc.CancelBundle(ctx, args.ReplacementUUID)
	m.finishSubmission(ctx, record, results, sendErr)
	if sendErr != nil {
		logger.Warn("Failed to cancel bundle", zap.Error(sendErr))
		return sendErr
	}

	if m.replacements != nil {
		if err := m.replacements.Cancel(ctx, signer.Hex(), args.ReplacementUUID); err != nil {
			logger.Error("Failed to mark cancellation", zap.Error(err))
		}
	}

	logger.Info("Bundle cancelled")
	return nil
}

func (m *API) SendMevBundle(ctx context.Context, bundle MevBundle) (_ json.RawMessage, err error) {
	logger := m.log
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SendMevBundleEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SendMevBundleEndpointName)
		}
	}()
	metrics.IncSubmissionsReceived()

	hash, err := MevBundleHash(&bundle)
	if err != nil {
		metrics.IncSubmissionsRejected()
		logger.Warn("Failed to hash mev bundle", zap.Error(err))
		return nil, err
	}

	err = m.sendRateLimiter.Wait(ctx)
	if err != nil {
		return nil, err
	}

	record := NewSubmissionRecord(SendMevBundleEndpointName)
	record.BundleHash = hash
	record.Signer = jsonrpcserver.GetSigner(ctx)
	record.TargetBlock = uint64(bundle.Inclusion.BlockNumber)

	relay := m.rpc.relay()
	result, sendErr := m.rpc.SendMevBundle(ctx, &bundle)
	m.finishSubmission(ctx, record, []SendResult{{Builder: relay.Name, Result: result, Err: sendErr}}, sendErr)
	if sendErr != nil {
		logger.Warn("Failed to send mev bundle", zap.Error(sendErr), zap.String("hash", hash.Hex()))
		return nil, sendErr
	}
	return result, nil
}

// BundleStatsArgs is the titan_getBundleStats request object. The signing
// address is taken from the proxy signer, not the caller.
type BundleStatsArgs struct {
	BundleHash common.Hash `json:"bundleHash"`
}

func (m *API) BundleStats(ctx context.Context, args BundleStatsArgs) (_ json.RawMessage, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(BundleStatsEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(BundleStatsEndpointName)
		}
	}()
	return m.rpc.BundleStats(ctx, args.BundleHash)
}

// GasSuggestArgs selects the statistic applied to the latest block's fee
// distribution. An empty strategy means mean.
type GasSuggestArgs struct {
	Strategy string `json:"strategy,omitempty"`
}

// GasSuggestResponse carries one suggested price per transaction field,
// clamped to the proxy's ceilings.
type GasSuggestResponse struct {
	Gas                  hexutil.Uint64 `json:"gas"`
	MaxFeePerGas         hexutil.Uint64 `json:"maxFeePerGas"`
	MaxPriorityFeePerGas hexutil.Uint64 `json:"maxPriorityFeePerGas"`
}

func (m *API) GasSuggest(ctx context.Context, args GasSuggestArgs) (_ *GasSuggestResponse, err error) {
	logger := m.log
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GasSuggestEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GasSuggestEndpointName)
		}
	}()

	strategy := gas.MeanPrice
	if args.Strategy != "" {
		strategy, err = gas.ParseStrategy(args.Strategy)
		if err != nil {
			metrics.IncGasSuggestionErrors()
			return nil, err
		}
	}

	var tx gas.Transaction
	err = m.gasManager.NaiveScope(ctx, func(naive *gas.NaiveManager) error {
		return naive.FillTransaction(ctx, &tx, gas.UniformStrategies(strategy), false)
	})
	if err != nil {
		metrics.IncGasSuggestionErrors()
		logger.Error("Failed to suggest gas prices", zap.Error(err))
		return nil, err
	}
	metrics.IncGasSuggestions()
	return &GasSuggestResponse{
		Gas:                  tx.Gas,
		MaxFeePerGas:         tx.MaxFeePerGas,
		MaxPriorityFeePerGas: tx.MaxPriorityFeePerGas,
	}, nil
}

// Methods maps the JSON-RPC method names to their handlers, ready to be
// served by jsonrpcserver.
func (m *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		SendPrivateTransactionEndpointName: m.handleSendPrivateTransaction,
		SendBundleEndpointName:             m.handleSendBundle,
		CancelBundleEndpointName:           m.handleCancelBundle,
		SendMevBundleEndpointName:          m.handleSendMevBundle,
		BundleStatsEndpointName:            m.handleBundleStats,
		GasSuggestEndpointName:             m.handleGasSuggest,
	}
}

func (m *API) handleSendPrivateTransaction(ctx context.Context, params []json.RawMessage) (any, error) {
	var args SendPrivateTransactionArgs
	if err := jsonrpcserver.UnmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return m.SendPrivateTransaction(ctx, args)
}

func (m *API) handleSendBundle(ctx context.Context, params []json.RawMessage) (any, error) {
	var bundle Bundle
	if err := jsonrpcserver.UnmarshalParams(params, &bundle); err != nil {
		return nil, err
	}
	return m.SendBundle(ctx, bundle)
}

func (m *API) handleCancelBundle(ctx context.Context, params []json.RawMessage) (any, error) {
	var args CancelBundleArgs
	if err := jsonrpcserver.UnmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return nil, m.CancelBundle(ctx, args)
}

func (m *API) handleSendMevBundle(ctx context.Context, params []json.RawMessage) (any, error) {
	var bundle MevBundle
	if err := jsonrpcserver.UnmarshalParams(params, &bundle); err != nil {
		return nil, err
	}
	return m.SendMevBundle(ctx, bundle)
}

func (m *API) handleBundleStats(ctx context.Context, params []json.RawMessage) (any, error) {
	var args BundleStatsArgs
	if err := jsonrpcserver.UnmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return m.BundleStats(ctx, args)
}

func (m *API) handleGasSuggest(ctx context.Context, params []json.RawMessage) (any, error) {
	var args GasSuggestArgs
	if err := jsonrpcserver.UnmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return m.GasSuggest(ctx, args)
}
