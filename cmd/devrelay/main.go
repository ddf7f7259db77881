package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	"github.com/flashbots/launch-bundler/devrelay"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug       = os.Getenv("DEBUG") == "1"
	defaultLogProd     = os.Getenv("LOG_PROD") == "1"
	defaultLogService  = os.Getenv("LOG_SERVICE")
	defaultPort        = cli.GetEnv("PORT", "8645")
	defaultMetricsPort = cli.GetEnv("METRICS_PORT", "8088")
	defaultEthEndpoint = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")

	// Flags
	debugPtr         = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr       = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr    = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr          = flag.String("port", defaultPort, "port to listen on")
	metricsPortPtr   = flag.String("metrics-port", defaultMetricsPort, "port to serve metrics on")
	ethPtr           = flag.String("eth", defaultEthEndpoint, "eth endpoint transactions are forwarded to")
	requireSignature = flag.Bool("require-signature", false, "reject requests without X-Flashbots-Signature")
)

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

	logger.Info("Starting devrelay", zap.String("version", version), zap.String("eth", *ethPtr))

	ethBackend, err := ethclient.Dial(*ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to ethBackend endpoint", zap.Error(err))
	}
	defer ethBackend.Close()

	handler, err := devrelay.New(logger, ethBackend).Handler()
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}
	if *requireSignature {
		handler.RequireSignature()
	}

	http.Handle("/", handler)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
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
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-connectionsClosed
}
