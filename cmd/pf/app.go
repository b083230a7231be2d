package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tsylvester/paynless-framework-sub011/internal/ai"
	"github.com/tsylvester/paynless-framework-sub011/internal/blob"
	"github.com/tsylvester/paynless-framework-sub011/internal/chat"
	"github.com/tsylvester/paynless-framework-sub011/internal/config"
	"github.com/tsylvester/paynless-framework-sub011/internal/db"
	"github.com/tsylvester/paynless-framework-sub011/internal/dialectic"
	"github.com/tsylvester/paynless-framework-sub011/internal/notify"
	"github.com/tsylvester/paynless-framework-sub011/internal/wallet"
	"gorm.io/gorm"
)

const defaultConfigPath = "paynless.yaml"

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Paynless config file")
}

func addUserFlag(cmd *cobra.Command, userID *string) {
	cmd.Flags().StringVarP(userID, "user", "u", "", "acting user id (required)")
	cmd.MarkFlagRequired("user")
}

// loadConfig loads .env into the environment, then the config file.
func loadConfig(configPath string) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}

	return cfg, gormDB, nil
}

// services is the wired application graph shared by serve and the
// one-shot commands.
type services struct {
	cfg       *config.Config
	db        *gorm.DB
	ledger    *wallet.Ledger
	chat      *chat.Service
	dialectic *dialectic.Engine
	sink      notify.Sink
}

func newServices(cfg *config.Config, gormDB *gorm.DB) (*services, error) {
	gateway := ai.NewFromConfig(cfg.Providers, nil)

	ledger, err := wallet.NewLedger(wallet.LedgerOpts{DB: gormDB, Currency: cfg.Wallet.Currency})
	if err != nil {
		return nil, err
	}
	chatSvc, err := chat.NewService(chat.ServiceOpts{DB: gormDB, Ledger: ledger, Gateway: gateway})
	if err != nil {
		return nil, err
	}
	store, err := blob.NewFSStore(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}
	sink, err := buildSink(cfg.Notify)
	if err != nil {
		return nil, err
	}
	engine, err := dialectic.NewEngine(dialectic.EngineOpts{
		DB:      gormDB,
		Store:   store,
		Gateway: gateway,
		Bucket:  cfg.Storage.Bucket,
		Sink:    sink,
	})
	if err != nil {
		return nil, err
	}

	return &services{cfg: cfg, db: gormDB, ledger: ledger, chat: chatSvc, dialectic: engine, sink: sink}, nil
}

func loadServices(configPath string) (*services, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newServices(cfg, gormDB)
}
