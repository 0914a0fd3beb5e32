package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"voucherswap/chain"
	"voucherswap/config"
	"voucherswap/models"
	"voucherswap/observability/logging"
	"voucherswap/orders"
	"voucherswap/relay"
	"voucherswap/server"
	"voucherswap/txqueue"
	"voucherswap/vault"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("voucherswapd", cfg.Env, cfg.LogFile)

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	ctx := context.Background()

	reader, err := chain.NewRPCReader(ctx, cfg.RPCURL)
	if err != nil {
		log.Fatalf("rpc reader error: %v", err)
	}
	defer reader.Close()

	queue := txqueue.New(db, nil)

	store, err := orders.NewStore(orders.Config{
		DB:            db,
		ChainID:       cfg.ChainID,
		EscrowAddress: cfg.EscrowAddress,
		OrderTTL:      cfg.OrderTTL,
	})
	if err != nil {
		log.Fatalf("order store error: %v", err)
	}

	vlt, err := vault.NewVault(vault.Config{
		DB:           db,
		Reader:       reader,
		ChainTimeout: cfg.RevealChainTimeout,
		TokenTTL:     cfg.ImageTokenTTL,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("vault error: %v", err)
	}

	rl := relay.New(relay.Config{
		Queue:    queue,
		Orders:   store,
		Interval: cfg.RelayInterval,
		Logger:   logger,
	})
	go rl.Start(ctx)

	if cfg.WalletBridgeURL != "" {
		provider := chain.NewBridgeProvider(chain.BridgeConfig{URL: cfg.WalletBridgeURL})
		guard := chain.NewGuard(provider, chain.NetworkParams{
			ChainID:         cfg.ChainID,
			Name:            cfg.ChainName,
			CurrencySymbol:  cfg.NativeSymbol,
			CurrencyDecimal: cfg.NativeDecimals,
			RPCURLs:         []string{cfg.RPCURL},
			ExplorerURL:     cfg.ExplorerURL,
		})
		executor := chain.NewExecutor(guard, provider, queue, logger)
		poller := chain.NewPoller(chain.PollerConfig{
			Queue:     queue,
			Executor:  executor,
			Interval:  cfg.PollInterval,
			Retention: cfg.Retention,
			Logger:    logger,
			FollowUp: func(ctx context.Context, entry models.PendingTransaction) {
				if entry.OrderID == nil {
					return
				}
				if _, err := store.PostConfirmedFill(ctx, *entry.OrderID, entry.Hash); err != nil {
					logger.Warn("fill posting failed", "order", entry.OrderID, "err", err)
				}
			},
		})
		go poller.Start(ctx)
	} else {
		logger.Info("wallet bridge not configured, running without submission loop")
	}

	srv := server.New(server.Config{
		DB:     db,
		Queue:  queue,
		Orders: store,
		Vault:  vlt,
	})

	addr := ":" + cfg.Port
	logger.Info("starting voucherswapd", "addr", addr, "chain_id", cfg.ChainID)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func openDatabase(dsn string) (*gorm.DB, error) {
	if rest, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		return gorm.Open(sqlite.Open(rest), &gorm.Config{})
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}
