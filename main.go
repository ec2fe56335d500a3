package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pharmatrace/pharmatrace/app"
	"github.com/pharmatrace/pharmatrace/ledger"
	"github.com/pharmatrace/pharmatrace/repository"
	"github.com/pharmatrace/pharmatrace/server"
	"github.com/pharmatrace/pharmatrace/srvreg"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"
)

var (
	homeDir      string
	httpPort     string
	postgresHost string
	adminAddr    string
)

func init() {
	flag.StringVar(&homeDir, "cmt-home", "./node-config/node0", "Path to the CometBFT config directory")
	flag.StringVar(&httpPort, "http-port", "5000", "HTTP web server port")
	flag.StringVar(&postgresHost, "postgres-host", "ledger-postgres0:5432", "DB host address")
	flag.StringVar(&adminAddr, "admin-addr", "", "Genesis admin stakeholder address")
}

func main() {
	// Parse command line flags
	flag.Parse()

	log.Println("=== Starting Pharmaceutical Provenance Ledger Node ===")
	log.Printf("Home Directory: %s", homeDir)
	log.Printf("HTTP Port: %s", httpPort)
	log.Printf("PostgreSQL Host: %s", postgresHost)

	// Load CometBFT configuration
	if homeDir == "" {
		homeDir = os.ExpandEnv("$HOME/.cometbft")
	}
	config := cfg.DefaultConfig()
	config.SetRoot(homeDir)
	viper.SetConfigFile(fmt.Sprintf("%s/%s", homeDir, "config/config.toml"))
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Reading config: %v", err)
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("Decoding config: %v", err)
	}
	if err := config.ValidateBasic(); err != nil {
		log.Fatalf("Invalid configuration data: %v", err)
	}

	// The genesis admin can come from the flag or the environment; it
	// must match across all validators or app hashes diverge.
	if adminAddr == "" {
		adminAddr = os.Getenv("LEDGER_ADMIN_ADDR")
	}
	if adminAddr == "" {
		log.Fatal("Genesis admin address is required (-admin-addr or LEDGER_ADMIN_ADDR)")
	}

	// Connect to PostgreSQL Database
	dsn := fmt.Sprintf("postgresql://postgres:postgrespassword@%s/postgres", postgresHost)
	repository := repository.NewRepository()
	log.Printf("Connecting to PostgreSQL: %s", dsn)
	repository.ConnectDB(dsn)

	// Initialize Badger DB for ledger state storage
	badgerPath := filepath.Join(homeDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath))
	if err != nil {
		log.Fatalf("Opening badger database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("Closing badger database: %v", err)
		}
	}()

	// Create logger
	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(config.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("Failed to parse log level: %v", err)
	}

	// Create the deterministic ledger engine and ABCI application
	engine := ledger.NewEngine(adminAddr)
	appConfig := &app.AppConfig{
		NodeID:    filepath.Base(homeDir),
		LogAllTxs: true,
	}
	abciApp, err := app.NewABCIApplication(db, engine, appConfig, logger, repository)
	if err != nil {
		log.Fatalf("Creating ABCI application: %v", err)
	}

	// Initialize Service Registry with the ledger API surface
	serviceRegistry := srvreg.NewServiceRegistry(engine, repository, logger)
	serviceRegistry.RegisterDefaultServices()

	// Load private validator
	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)

	// Load node key for P2P networking
	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		log.Fatalf("Failed to load node's key: %v", err)
	}

	// Initialize CometBFT node
	node, err := nm.NewNode(
		context.Background(),
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(abciApp),
		nm.DefaultGenesisDocProviderFunc(config),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating CometBFT node: %v", err)
	}

	// Set node ID in the application
	abciApp.SetNodeID(string(node.NodeInfo().ID()))
	logger.Info("Ledger node initialized", "node_id", string(node.NodeInfo().ID()))

	// Create RPC client and set up repository
	rpcClient := cmtrpc.New(node)
	repository.SetupRpcClient(rpcClient)

	// Start CometBFT node
	logger.Info("Starting CometBFT node...")
	err = node.Start()
	if err != nil {
		log.Fatalf("Starting CometBFT node: %v", err)
	}
	defer func() {
		logger.Info("Stopping CometBFT node...")
		node.Stop()
		node.Wait()
	}()

	// Start Web Server
	logger.Info("Starting ledger web server...")
	webserver, err := server.NewWebServer(abciApp, httpPort, logger, node, serviceRegistry, repository)
	if err != nil {
		log.Fatalf("Creating web server: %v", err)
	}

	err = webserver.Start()
	if err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Display startup information
	logger.Info("=== Ledger Node Successfully Started ===")
	logger.Info("Ledger HTTP API", "url", fmt.Sprintf("http://localhost:%s", httpPort))
	logger.Info("CometBFT RPC", "url", fmt.Sprintf("http://localhost:%s", extractPortFromAddress(config.RPC.ListenAddress)))
	logger.Info("Node ID", "id", string(node.NodeInfo().ID()))
	logger.Info("Genesis admin", "address", adminAddr)

	// Display available endpoints
	logger.Info("Available Ledger Endpoints:")
	logger.Info("  POST /ledger/stakeholders - Register a stakeholder")
	logger.Info("  POST /ledger/stakeholders/roles - Grant a role")
	logger.Info("  POST /ledger/materials - Record a raw material")
	logger.Info("  POST /ledger/materials/verify - Verify a raw material")
	logger.Info("  POST /ledger/products - Manufacture a product")
	logger.Info("  POST /ledger/products/transfer - Transfer custody")
	logger.Info("  POST /ledger/products/sell - Sell at pharmacy")
	logger.Info("  POST /ledger/products/recall - Recall a product")
	logger.Info("  GET  /ledger/products/{id}/history - Custody trail")
	logger.Info("  GET  /ledger/products/{id}/authenticity - Authenticity check")
	logger.Info("  GET  /debug - Debug information")

	// Wait for interrupt signal to gracefully shut down
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Received shutdown signal, shutting down gracefully...")

	// Create deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Shutdown the web server
	err = webserver.Shutdown(ctx)
	if err != nil {
		logger.Error("Error shutting down HTTP web server", "err", err)
	}
	logger.Info("Ledger node gracefully stopped")
}

// extractPortFromAddress extracts the port from an address string
func extractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}
