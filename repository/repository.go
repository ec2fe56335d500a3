package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/pharmatrace/pharmatrace/app"
	"github.com/pharmatrace/pharmatrace/ledger"
	"github.com/pharmatrace/pharmatrace/repository/models"

	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgreSQL error codes
const (
	PgErrForeignKeyViolation = "23503"
	PgErrUniqueViolation     = "23505"
)

// ConsensusResult contains the outcome of a committed ledger transaction.
type ConsensusResult struct {
	TxHash      string
	BlockHeight int64
	Code        uint32
	Data        []byte
	Log         string
}

// RepositoryError represents read-model and consensus layer errors. For
// transactions rejected by the engine, Code carries the ledger error
// code verbatim (UNAUTHORIZED, NOT_FOUND, ...).
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

// Repository is the PostgreSQL read model. It indexes committed
// mutations for observers and submits transactions into consensus; it
// never writes ledger state itself.
type Repository struct {
	db        *gorm.DB
	rpcClient *cmtrpc.Local
}

func NewRepository() *Repository {
	return &Repository{}
}

// ConnectDB establishes the database connection and performs migrations.
func (r *Repository) ConnectDB(dsn string) {
	for i := range 10 {
		log.Printf("Connection attempt %d...\n", i+1)
		DB, err := gorm.Open(postgres.Open(dsn))
		if err != nil {
			log.Printf("Connection attempt %d, failed: %v\n", i+1, err)
			time.Sleep(2 * time.Second)
			continue
		}
		r.db = DB
		break
	}

	if r.db != nil {
		r.Migrate()
		log.Println("Connected to DB and completed setup")
	} else {
		log.Println("Failed to connect to DB")
	}
}

// Migrate performs database schema migrations.
func (r *Repository) Migrate() {
	migrator := r.db.Migrator()

	// Transaction rows come first, ChainEvent references them
	if !migrator.HasTable(&models.Transaction{}) {
		if err := migrator.CreateTable(&models.Transaction{}); err != nil {
			log.Printf("Error creating Transaction table: %v", err)
			return
		}
		log.Println("✓ Transaction table created")
	} else {
		log.Println("✓ Transaction table already exists")
	}

	if !migrator.HasTable(&models.ChainEvent{}) {
		if err := migrator.CreateTable(&models.ChainEvent{}); err != nil {
			log.Printf("Error creating ChainEvent table: %v", err)
			return
		}
		log.Println("✓ ChainEvent table created")
	} else {
		log.Println("✓ ChainEvent table already exists")
	}

	log.Println("Database migration completed successfully")
}

// SetupRpcClient configures the RPC client for consensus submission.
func (r *Repository) SetupRpcClient(rpcClient *cmtrpc.Local) {
	r.rpcClient = rpcClient
}

// IndexBlock stores committed mutations in the read model. Called by the
// application after the block is durable; replayed blocks hit the unique
// tx hash and are skipped, so indexing stays exactly-once per mutation.
func (r *Repository) IndexBlock(height int64, txs []app.CommittedTx) error {
	if r.db == nil {
		return errors.New("read model database is not connected")
	}

	for _, tx := range txs {
		record := models.Transaction{
			TxHash:      tx.TxHash,
			BlockHeight: height,
			Op:          tx.Op,
			Sender:      tx.Sender,
			Log:         tx.Log,
			Timestamp:   tx.Timestamp,
		}
		for _, event := range tx.Events {
			record.Events = append(record.Events, flattenEvent(tx, event, height))
		}

		if err := r.db.Create(&record).Error; err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == PgErrUniqueViolation {
				continue
			}
			return fmt.Errorf("index tx %s: %w", tx.TxHash, err)
		}
	}
	return nil
}

// flattenEvent pulls the indexed subject identifiers out of the
// attribute set and keeps the full set as JSON.
func flattenEvent(tx app.CommittedTx, event ledger.Event, height int64) models.ChainEvent {
	attrs := make(map[string]string, len(event.Attributes))
	for _, attr := range event.Attributes {
		attrs[attr.Key] = attr.Value
	}
	attrsJSON, _ := json.Marshal(attrs)

	record := models.ChainEvent{
		TxHash:      tx.TxHash,
		Name:        event.Name,
		Attributes:  string(attrsJSON),
		BlockHeight: height,
		Timestamp:   tx.Timestamp,
	}
	if raw, ok := attrs["product_id"]; ok {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			record.ProductID = &id
		}
	}
	if raw, ok := attrs["material_id"]; ok {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			record.MaterialID = &id
		}
	}
	if addr, ok := attrs["address"]; ok {
		record.Address = &addr
	}
	return record
}

// SubmitTx serializes a ledger transaction, submits it into BFT
// consensus and waits for the commit result.
func (r *Repository) SubmitTx(ctx context.Context, tx ledger.Tx) (*ConsensusResult, *RepositoryError) {
	payloadBytes, err := json.Marshal(tx)
	if err != nil {
		return nil, &RepositoryError{
			Code:    "SERIALIZATION_ERROR",
			Message: "Failed to serialize transaction",
			Detail:  err.Error(),
		}
	}

	consensusTx := cmttypes.Tx(payloadBytes)

	done := make(chan struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}, 1)

	go func() {
		result, err := r.rpcClient.BroadcastTxCommit(ctx, consensusTx)
		done <- struct {
			result *cmtrpctypes.ResultBroadcastTxCommit
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &RepositoryError{
			Code:    "CONSENSUS_TIMEOUT",
			Message: "Consensus operation timed out",
			Detail:  ctx.Err().Error(),
		}
	case result := <-done:
		if result.err != nil {
			return nil, &RepositoryError{
				Code:    "CONSENSUS_ERROR",
				Message: "Failed to commit to ledger",
				Detail:  result.err.Error(),
			}
		}
		if result.result.CheckTx.Code != 0 {
			return nil, &RepositoryError{
				Code:    ledger.CodeInvalidTx,
				Message: "Ledger rejected transaction envelope",
				Detail:  fmt.Sprintf("CheckTx code: %d", result.result.CheckTx.Code),
			}
		}
		if result.result.TxResult.Code != 0 {
			code := result.result.TxResult.Codespace
			if code == "" {
				code = "CONSENSUS_ERROR"
			}
			return nil, &RepositoryError{
				Code:    code,
				Message: "Ledger rejected transaction",
				Detail:  result.result.TxResult.Log,
			}
		}

		return &ConsensusResult{
			TxHash:      hex.EncodeToString(result.result.Hash),
			BlockHeight: result.result.Height,
			Code:        result.result.TxResult.Code,
			Data:        result.result.TxResult.Data,
			Log:         result.result.TxResult.Log,
		}, nil
	}
}

// Read-model query methods

// GetTransactionByHash retrieves a committed transaction and its events.
func (r *Repository) GetTransactionByHash(txHash string) (*models.Transaction, *RepositoryError) {
	var transaction models.Transaction
	err := r.db.Preload("Events").
		Where("tx_hash = ?", txHash).First(&transaction).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    "TRANSACTION_NOT_FOUND",
				Message: "Transaction not found",
				Detail:  fmt.Sprintf("Transaction with hash %s not found", txHash),
			}
		}
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to query transaction",
			Detail:  err.Error(),
		}
	}

	return &transaction, nil
}

// GetEventsByProduct retrieves all indexed events touching a product,
// in block order.
func (r *Repository) GetEventsByProduct(productID uint64) ([]models.ChainEvent, *RepositoryError) {
	var events []models.ChainEvent
	err := r.db.Where("product_id = ?", productID).
		Order("block_height, id").Find(&events).Error

	if err != nil {
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to query product events",
			Detail:  err.Error(),
		}
	}

	return events, nil
}

// GetEventsByAddress retrieves all indexed events touching a
// stakeholder address, in block order.
func (r *Repository) GetEventsByAddress(addr string) ([]models.ChainEvent, *RepositoryError) {
	var events []models.ChainEvent
	err := r.db.Where("address = ?", addr).
		Order("block_height, id").Find(&events).Error

	if err != nil {
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to query stakeholder events",
			Detail:  err.Error(),
		}
	}

	return events, nil
}

// ListRecentTransactions retrieves the most recently committed
// transactions, newest first.
func (r *Repository) ListRecentTransactions(limit int) ([]models.Transaction, *RepositoryError) {
	if limit <= 0 {
		limit = 50
	}
	var transactions []models.Transaction
	err := r.db.Preload("Events").
		Order("block_height desc, tx_hash").Limit(limit).Find(&transactions).Error

	if err != nil {
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "Failed to query transactions",
			Detail:  err.Error(),
		}
	}

	return transactions, nil
}
