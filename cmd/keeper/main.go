package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/payflow/internal/keeper"
	"github.com/t77yq/payflow/internal/monitor"
	"github.com/t77yq/payflow/internal/storage"
	"github.com/t77yq/payflow/internal/transport"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("ledger", viper.GetString("nats.urls.0")))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Remote ledger client: also serves as the keeper's fee source.
	client := transport.NewLedgerClient(nc)

	// Local execution attempt history
	history, err := storage.NewSQLiteExecutionHistory(logger, viper.GetString("keeper.history_db"))
	if err != nil {
		logger.Fatal("Failed to open execution history", zap.Error(err))
	}
	defer history.Close()

	config := keeper.Config{
		KeeperID:       viper.GetString("keeper.id"),
		FeeToken:       viper.GetString("keeper.fee_token"),
		PollInterval:   viper.GetDuration("keeper.poll_interval"),
		CallTimeout:    viper.GetDuration("keeper.call_timeout"),
		FallbackBudget: viper.GetInt64("keeper.fallback_budget"),
	}

	daemon := keeper.NewKeeper(config, client, client, history, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Refuses to start when the identity is not authorized or unfunded.
	if err := daemon.Start(runCtx); err != nil {
		logger.Fatal("Failed to start keeper", zap.Error(err))
	}

	// Periodic stats publication for operators
	reporter := monitor.NewStatsReporter(js, daemon, viper.GetDuration("monitor.interval"), logger)
	if err := reporter.Start(runCtx); err != nil {
		logger.Fatal("Failed to start stats reporter", zap.Error(err))
	}

	// Periodic cleanup of old attempt records
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -30)
				if err := history.DeleteBefore(runCtx, cutoff); err != nil {
					logger.Error("Failed to clean up execution history", zap.Error(err))
				}
			}
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()
	reporter.Stop()
	daemon.Stop()
}
