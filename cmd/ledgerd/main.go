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

	"github.com/t77yq/payflow/internal/ledger"
	"github.com/t77yq/payflow/internal/storage"
	"github.com/t77yq/payflow/internal/token"
	"github.com/t77yq/payflow/internal/transport"
)

// seedAccount is a demo/test funding entry from the config file.
type seedAccount struct {
	Token     string `mapstructure:"token"`
	Owner     string `mapstructure:"owner"`
	Balance   int64  `mapstructure:"balance"`
	Allowance int64  `mapstructure:"allowance"`
}

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
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error", zap.Error(err))
		}),
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

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Token bank with seeded demo balances and allowances
	spender := viper.GetString("bank.spender")
	bank := token.NewBank(spender, logger)

	var seeds []seedAccount
	if err := viper.UnmarshalKey("bank.seed", &seeds); err != nil {
		logger.Fatal("Failed to parse bank seed entries", zap.Error(err))
	}
	ctx := context.Background()
	for _, seed := range seeds {
		if seed.Balance > 0 {
			if err := bank.Mint(ctx, seed.Token, seed.Owner, seed.Balance); err != nil {
				logger.Fatal("Failed to seed balance", zap.Error(err))
			}
		}
		if seed.Allowance > 0 {
			if err := bank.Approve(ctx, seed.Token, seed.Owner, seed.Allowance); err != nil {
				logger.Fatal("Failed to seed allowance", zap.Error(err))
			}
		}
	}

	// Persistent schedule store
	store, err := storage.NewSQLiteScheduleStore(logger, viper.GetString("ledger.db_path"))
	if err != nil {
		logger.Fatal("Failed to open schedule store", zap.Error(err))
	}
	defer store.Close()

	// Event publisher on JetStream
	events, err := transport.NewEventPublisher(js, logger)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}

	// The ledger itself
	ledgerConfig := ledger.Config{
		Admin:   viper.GetString("ledger.admin"),
		Keepers: viper.GetStringSlice("ledger.keepers"),
		MinLead: viper.GetDuration("ledger.min_lead"),
	}
	authority, err := ledger.NewLedger(ledgerConfig, bank, store, events, logger)
	if err != nil {
		logger.Fatal("Failed to create ledger", zap.Error(err))
	}

	// Serve the ledger over NATS
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := transport.NewLedgerServer(nc, authority, bank, logger)
	if err := server.Start(runCtx); err != nil {
		logger.Fatal("Failed to start ledger server", zap.Error(err))
	}

	logger.Info("Ledger daemon running",
		zap.String("admin", ledgerConfig.Admin),
		zap.Strings("keepers", ledgerConfig.Keepers))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	server.Stop()
	cancel()
	logger.Info("Ledger daemon shut down gracefully")
}
