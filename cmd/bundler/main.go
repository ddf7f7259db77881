package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	redisadapter "github.com/flashbots/launch-bundler/adapters/redis"
	"github.com/flashbots/launch-bundler/bundler"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev" // is set during build process

// .env is optional and has to be loaded before flag defaults are read in init
var _ = godotenv.Load()

type options struct {
	debug       bool
	logProd     bool
	logService  string
	configFile  string
	eth         string
	metricsAddr string
	redis       string
	postgresDSN string
	authKey     string
	yes         bool
}

var opts options

// app is everything a command needs. It is created once per command run and closed after.
type app struct {
	log     *zap.Logger
	cfg     *bundler.Config
	eth     *ethclient.Client
	bundler *bundler.Bundler
	redis   *redis.Client
	// db is nil without --postgres-dsn
	db *bundler.DBBackend
}

func (a *app) Close() {
	if err := a.bundler.Close(); err != nil {
		a.log.Warn("Failed to close store", zap.Error(err))
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.eth.Close()
	_ = a.log.Sync()
}

func newLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	if opts.logProd {
		atom := zap.NewAtomicLevel()
		if opts.debug {
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
	if opts.logService != "" {
		logger = logger.With(zap.String("service", opts.logService))
	}
	return logger
}

func loadConfig() (*bundler.Config, error) {
	if opts.configFile == "" {
		return bundler.DefaultConfig(), nil
	}
	if _, err := os.Stat(opts.configFile); os.IsNotExist(err) {
		return bundler.DefaultConfig(), nil
	}
	return bundler.LoadConfig(opts.configFile)
}

func startMetricsServer(log *zap.Logger) {
	if opts.metricsAddr == "" {
		return
	}
	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsServer := &http.Server{
			Addr:              opts.metricsAddr,
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}
		if err := metricsServer.ListenAndServe(); err != nil {
			log.Error("Metrics server stopped", zap.Error(err))
		}
	}()
}

func newApp(ctx context.Context) (*app, error) {
	log := newLogger()
	log.Debug("Starting launch bundler", zap.String("version", version))

	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	ethBackend, err := ethclient.DialContext(ctx, opts.eth)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.eth, err)
	}
	chainID, err := ethBackend.ChainID(ctx)
	if err != nil {
		ethBackend.Close()
		return nil, fmt.Errorf("reading chain id: %w", err)
	}
	if chainID.Cmp(cfg.ChainIDBig()) != 0 {
		ethBackend.Close()
		return nil, fmt.Errorf("%w: node chain id %s, configured %d", bundler.ErrInvalidConfig, chainID, cfg.ChainID)
	}

	a := &app{log: log, cfg: cfg, eth: ethBackend}
	deps := bundler.Dependencies{
		Chain: bundler.NewThrottledChainReader(ethBackend, cfg.ThrottleConfig()),
	}

	if opts.authKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.authKey, "0x"))
		if err != nil {
			ethBackend.Close()
			return nil, fmt.Errorf("parsing auth key: %w", err)
		}
		deps.AuthKey = key
	}

	if opts.redis != "" {
		redisOpts, err := redis.ParseURL(opts.redis)
		if err != nil {
			ethBackend.Close()
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		deps.Registry = bundler.NewRedisSubmittedRegistry(a.redis, 24*time.Hour, "bundler-submitted-")
		lease, err := redisadapter.NewAccountLease(a.redis, bundler.DefaultLeaseTTL, "bundler-lease-")
		if err != nil {
			ethBackend.Close()
			return nil, err
		}
		deps.Lease = lease
	}

	var dbBackend *bundler.DBBackend
	if opts.postgresDSN != "" {
		dbBackend, err = bundler.NewDBBackend(opts.postgresDSN)
		if err != nil {
			ethBackend.Close()
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
	}
	if dbBackend != nil {
		deps.Store = dbBackend
	}

	a.db = dbBackend
	a.bundler, err = bundler.New(log, cfg, deps)
	if err != nil {
		if dbBackend != nil {
			_ = dbBackend.Close()
		}
		ethBackend.Close()
		return nil, err
	}
	startMetricsServer(log)
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:           "bundler",
	Short:         "Launch a token with liquidity and first buys in one atomic bundle",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&opts.debug, "debug", os.Getenv("DEBUG") == "1", "print debug output")
	flags.BoolVar(&opts.logProd, "log-prod", os.Getenv("LOG_PROD") == "1", "log in production mode (json)")
	flags.StringVar(&opts.logService, "log-service", os.Getenv("LOG_SERVICE"), "'service' tag to logs")
	flags.StringVar(&opts.configFile, "config", cli.GetEnv("BUNDLER_CONFIG", "bundler.yaml"), "bundler config file")
	flags.StringVar(&opts.eth, "eth", cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545"), "eth endpoint")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", os.Getenv("METRICS_ADDR"), "serve /metrics on this address")
	flags.StringVar(&opts.redis, "redis", os.Getenv("REDIS_ENDPOINT"), "redis url, enables shared submission registry and account leases")
	flags.StringVar(&opts.postgresDSN, "postgres-dsn", os.Getenv("POSTGRES_DSN"), "postgres dsn, enables submission history")
	flags.StringVar(&opts.authKey, "auth-key", os.Getenv("RELAY_AUTH_KEY"), "private key signing relay requests")
	flags.BoolVarP(&opts.yes, "yes", "y", false, "send without asking for confirmation")

	rootCmd.AddCommand(generateCmd, fundCmd, launchCmd, liquidateCmd, trackCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1) //nolint:gocritic
	}
}
