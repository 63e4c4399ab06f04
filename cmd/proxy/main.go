package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/flashbots/go-utils/cli"
	"github.com/flashbots/go-utils/signature"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	redisadapter "github.com/flashbots/builder-proxy/adapters/redis"
	"github.com/flashbots/builder-proxy/dispatch"
	"github.com/flashbots/builder-proxy/gas"
	"github.com/flashbots/builder-proxy/jsonrpcserver"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug            = os.Getenv("DEBUG") == "1"
	defaultLogProd          = os.Getenv("LOG_PROD") == "1"
	defaultLogService       = os.Getenv("LOG_SERVICE")
	defaultPort             = cli.GetEnv("PORT", "8080")
	defaultMetricsPort      = cli.GetEnv("METRICS_PORT", "8088")
	defaultRedisEndpoint    = cli.GetEnv("REDIS_ENDPOINT", "redis://localhost:6379")
	defaultChannelName      = cli.GetEnv("REDIS_CHANNEL_NAME", "submissions")
	defaultPostgresDSN      = cli.GetEnv("POSTGRES_DSN", "")
	defaultEthEndpoint      = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")
	defaultBuildersConfig   = cli.GetEnv("BUILDERS_CONFIG", "")
	defaultSignerKey        = cli.GetEnv("SIGNER_PRIVATE_KEY", "")
	defaultSendRateLimit    = cli.GetEnv("SEND_RATE_LIMIT", "5")
	defaultVerifySignatures = os.Getenv("VERIFY_SIGNATURES") == "1"
	defaultBlockCacheTTL    = cli.GetEnv("BLOCK_CACHE_TTL", "3s")
	defaultGasCeiling       = cli.GetEnv("GAS_CEILING", "0")
	defaultFeeCeiling       = cli.GetEnv("MAX_FEE_CEILING", "0")
	defaultPriorityCeiling  = cli.GetEnv("MAX_PRIORITY_FEE_CEILING", "0")

	// Flags
	debugPtr            = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr          = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr       = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr             = flag.String("port", defaultPort, "port to listen on")
	metricsPortPtr      = flag.String("metrics-port", defaultMetricsPort, "port for metrics and pprof")
	redisPtr            = flag.String("redis", defaultRedisEndpoint, "redis url string, empty disables replacement tracking and events")
	channelPtr          = flag.String("channel", defaultChannelName, "redis pub/sub channel for submission events")
	postgresDSNPtr      = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, empty disables submission history")
	ethPtr              = flag.String("eth", defaultEthEndpoint, "eth endpoint for the gas price oracle")
	buildersConfigPtr   = flag.String("builders-config", defaultBuildersConfig, "builders config file, empty means all known builders")
	signerKeyPtr        = flag.String("signer-key", defaultSignerKey, "hex private key identifying the proxy to signing builders")
	sendRateLimitPtr    = flag.String("send-rate-limit", defaultSendRateLimit, "submission rate limit (calls per second)")
	verifySignaturesPtr = flag.Bool("verify-signatures", defaultVerifySignatures, "reject requests whose signature header does not verify")
	blockCacheTTLPtr    = flag.String("block-cache-ttl", defaultBlockCacheTTL, "how long the latest block is served from cache")
	gasCeilingPtr       = flag.String("gas-ceiling", defaultGasCeiling, "upper bound for suggested gas, 0 for the built-in default")
	feeCeilingPtr       = flag.String("max-fee-ceiling", defaultFeeCeiling, "upper bound for suggested max fee per gas, 0 for the built-in default")
	priorityCeilingPtr  = flag.String("max-priority-fee-ceiling", defaultPriorityCeiling, "upper bound for suggested max priority fee per gas, 0 for the built-in default")
)

// cancellations are honored for a 30-block window
const replacementExpiry = 30 * 12 * time.Second

func parseCeiling(logger *zap.Logger, name, value string) uint64 {
	ceiling, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		logger.Fatal("Failed to parse ceiling", zap.String("flag", name), zap.Error(err))
	}
	return ceiling
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	logger.Info("Starting builder-proxy", zap.String("version", version))

	var signer *signature.Signer
	var err error
	if *signerKeyPtr != "" {
		signer, err = signature.NewSignerFromHexPrivateKey(*signerKeyPtr)
		if err != nil {
			logger.Fatal("Failed to parse signer key", zap.Error(err))
		}
	} else {
		signer, err = signature.NewRandomSigner()
		if err != nil {
			logger.Fatal("Failed to create signer", zap.Error(err))
		}
		logger.Warn("No signer key configured, using an ephemeral identity", zap.String("address", signer.Address().Hex()))
	}

	builders := dispatch.AllBuilders()
	if *buildersConfigPtr != "" {
		builders, err = dispatch.LoadBuilders(*buildersConfigPtr)
		if err != nil {
			logger.Fatal("Failed to load builders config", zap.Error(err))
		}
	}
	for _, builder := range builders {
		logger.Info("Configured builder", zap.String("name", builder.Name), zap.String("url", builder.URL))
	}

	rpc := dispatch.NewBuilderRPC(logger, signer, builders...)
	if err := rpc.Open(); err != nil {
		logger.Fatal("Failed to open builder session", zap.Error(err))
	}

	blockCacheTTL, err := time.ParseDuration(*blockCacheTTLPtr)
	if err != nil {
		logger.Fatal("Failed to parse block cache ttl", zap.Error(err))
	}
	ceilings := gas.Ceilings{
		Gas:                  parseCeiling(logger, "gas-ceiling", *gasCeilingPtr),
		MaxFeePerGas:         parseCeiling(logger, "max-fee-ceiling", *feeCeilingPtr),
		MaxPriorityFeePerGas: parseCeiling(logger, "max-priority-fee-ceiling", *priorityCeilingPtr),
	}
	blockSource := gas.NewCachingBlockSource(gas.NewRPCBlockSource(*ethPtr), blockCacheTTL)
	gasManager := gas.NewManager(blockSource, ceilings)

	var store dispatch.SubmissionStore
	var dbStore *dispatch.DBStore
	if *postgresDSNPtr != "" {
		dbStore, err = dispatch.NewDBStore(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres store", zap.Error(err))
		}
		store = dbStore
	}

	var events dispatch.EventBackend
	var replacements dispatch.ReplacementTracker
	var redisClient *redis.Client
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient = redis.NewClient(redisOpts)
		events = dispatch.NewRedisEventBackend(redisClient, *channelPtr)
		replacements = redisadapter.NewReplacementTracker(redisClient, replacementExpiry, "proxy")
	}

	sendRateLimit, err := strconv.ParseFloat(*sendRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse send rate limit", zap.Error(err))
	}

	api := dispatch.NewAPI(logger, rpc, gasManager, store, events, replacements, rate.Limit(sendRateLimit))

	var jsonRPCServer *jsonrpcserver.Handler
	if *verifySignaturesPtr {
		jsonRPCServer = jsonrpcserver.NewVerifyingHandler(api.Methods())
	} else {
		jsonRPCServer = jsonrpcserver.NewHandler(api.Methods())
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed

	if err := rpc.Close(); err != nil {
		logger.Error("Failed to close builder session", zap.Error(err))
	}
	if blockSource.Connected() {
		if err := blockSource.Close(); err != nil {
			logger.Error("Failed to close block source", zap.Error(err))
		}
	}
	if dbStore != nil {
		if err := dbStore.Close(); err != nil {
			logger.Error("Failed to close postgres store", zap.Error(err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
}
