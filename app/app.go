package app

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pharmatrace/pharmatrace/ledger"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// Badger keys for consensus bookkeeping.
const (
	stateKey    = "ledger_state"
	heightKey   = "last_block_height"
	appHashKey  = "last_block_app_hash"
	txKeyPrefix = "tx:"
)

// ABCI result codes per ledger error code. Zero is success.
var resultCodes = map[string]uint32{
	ledger.CodeInvalidTx:           1,
	ledger.CodeUnauthorized:        2,
	ledger.CodeNotFound:            3,
	ledger.CodeAlreadyExists:       4,
	ledger.CodeInvalidTransition:   5,
	ledger.CodeMaterialNotVerified: 6,
	ledger.CodeInvalidRecipient:    7,
	ledger.CodeAlreadyRecalled:     8,
	ledger.CodeProductRecalled:     9,
}

// CommittedTx describes one committed mutation, handed to the indexer
// after the block is durable.
type CommittedTx struct {
	TxHash      string
	Op          string
	Sender      string
	Log         string
	BlockHeight int64
	Events      []ledger.Event
	Timestamp   time.Time
}

// Indexer consumes committed mutations for the external read model.
// Indexing failures are logged, never propagated into consensus.
type Indexer interface {
	IndexBlock(height int64, txs []CommittedTx) error
}

// AppConfig contains configuration for the ledger application.
type AppConfig struct {
	NodeID    string
	LogAllTxs bool
}

// Application implements the ABCI interface around the provenance
// ledger engine. CometBFT supplies the total order; every transaction in
// FinalizeBlock is applied as one indivisible unit against the engine.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	engine       *ledger.Engine
	indexer      Indexer
	nodeID       string
	mu           sync.Mutex
	config       *AppConfig
	logger       cmtlog.Logger

	pendingHeight int64
	pendingTxs    []CommittedTx
}

// NewABCIApplication creates the ledger ABCI application and restores
// the engine state from the last committed snapshot, if any.
func NewABCIApplication(badgerDB *badger.DB, engine *ledger.Engine, config *AppConfig, logger cmtlog.Logger, indexer Indexer) (*Application, error) {
	app := &Application{
		badgerDB: badgerDB,
		engine:   engine,
		config:   config,
		logger:   logger,
		indexer:  indexer,
	}
	if err := app.restoreState(); err != nil {
		return nil, fmt.Errorf("restore ledger state: %w", err)
	}
	return app, nil
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

func (app *Application) restoreState() error {
	return app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(stateKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return app.engine.LoadState(val)
		})
	})
}

// Info implements the ABCI Info method. CometBFT uses the reported
// height to decide how far to replay on restart.
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(heightKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		}); err != nil {
			return err
		}

		item, err = txn.Get([]byte(appHashKey))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			return item.Value(func(val []byte) error {
				lastBlockAppHash = append([]byte{}, val...)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		app.logger.Error("Failed to read last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. Supported queries:
// "tx:<hash>" raw transaction lookup, "product:<id>", "material:<id>",
// "history:<id>", "authenticity:<id>", "batch:<number>".
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	query := string(req.Data)
	if query == "" {
		return &abcitypes.QueryResponse{Code: 1, Log: "empty query"}, nil
	}

	key, arg, found := strings.Cut(query, ":")
	if !found {
		return &abcitypes.QueryResponse{Code: 1, Log: "malformed query"}, nil
	}

	switch key {
	case "tx":
		return app.queryTransaction(arg)
	case "product":
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return &abcitypes.QueryResponse{Code: 1, Log: "malformed product id"}, nil
		}
		product, lerr := app.engine.GetProduct(id)
		if lerr != nil {
			return &abcitypes.QueryResponse{Code: resultCodes[lerr.Code], Log: lerr.Error()}, nil
		}
		return app.jsonResponse(req.Data, product)
	case "material":
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return &abcitypes.QueryResponse{Code: 1, Log: "malformed material id"}, nil
		}
		material, lerr := app.engine.GetRawMaterial(id)
		if lerr != nil {
			return &abcitypes.QueryResponse{Code: resultCodes[lerr.Code], Log: lerr.Error()}, nil
		}
		return app.jsonResponse(req.Data, material)
	case "history":
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return &abcitypes.QueryResponse{Code: 1, Log: "malformed product id"}, nil
		}
		history, lerr := app.engine.GetProductHistory(id)
		if lerr != nil {
			return &abcitypes.QueryResponse{Code: resultCodes[lerr.Code], Log: lerr.Error()}, nil
		}
		return app.jsonResponse(req.Data, history)
	case "authenticity":
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return &abcitypes.QueryResponse{Code: 1, Log: "malformed product id"}, nil
		}
		authentic, details := app.engine.VerifyProductAuthenticity(id)
		return app.jsonResponse(req.Data, map[string]any{"is_authentic": authentic, "details": details})
	case "batch":
		return app.jsonResponse(req.Data, app.engine.GetBatchProducts(arg))
	default:
		return &abcitypes.QueryResponse{Code: 1, Log: fmt.Sprintf("unknown query %q", key)}, nil
	}
}

func (app *Application) jsonResponse(key []byte, value any) (*abcitypes.QueryResponse, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return &abcitypes.QueryResponse{Code: 2, Log: fmt.Sprintf("serialize response: %v", err)}, nil
	}
	return &abcitypes.QueryResponse{Key: key, Value: body, Log: "exists"}, nil
}

func (app *Application) queryTransaction(txHash string) (*abcitypes.QueryResponse, error) {
	var resp abcitypes.QueryResponse
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(txKeyPrefix + txHash))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				resp.Code = resultCodes[ledger.CodeNotFound]
				resp.Log = "transaction not found"
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			resp.Value = append([]byte{}, val...)
			resp.Log = "exists"
			return nil
		})
	})
	if err != nil {
		resp.Code = 2
		resp.Log = fmt.Sprintf("database error: %v", err)
	}
	return &resp, nil
}

// CheckTx implements the ABCI CheckTx method. Only the envelope is
// validated here; stateful checks run at FinalizeBlock so the mempool
// verdict does not depend on yet-uncommitted state.
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	if _, err := ledger.DecodeTx(check.Tx); err != nil {
		return &abcitypes.CheckTxResponse{Code: resultCodes[ledger.CodeInvalidTx]},
			fmt.Errorf("malformed ledger transaction: %w", err)
	}
	return &abcitypes.CheckTxResponse{Code: 0}, nil
}

// InitChain implements the ABCI InitChain method.
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method.
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method.
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for i, txBytes := range proposal.Txs {
		if _, err := ledger.DecodeTx(txBytes); err != nil {
			app.logger.Error("Rejecting proposal with malformed transaction", "index", i, "err", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, fmt.Errorf("invalid transaction at index %d: %w", i, err)
		}
	}
	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method. Each
// transaction either fully commits its effects through the engine or is
// rejected with no observable partial effect; events are attached only
// to committed mutations. The block time stamps every history entry.
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	app.onGoingBlock = app.badgerDB.NewTransaction(true)
	app.pendingHeight = req.Height
	app.pendingTxs = app.pendingTxs[:0]

	for i, txBytes := range req.Txs {
		txHash := hashTx(txBytes)
		result, lerr := app.engine.Apply(txBytes, req.Time)
		if lerr != nil {
			txResults[i] = &abcitypes.ExecTxResult{
				Code:      resultCodes[lerr.Code],
				Codespace: lerr.Code,
				Log:       lerr.Error(),
			}
			if app.config.LogAllTxs {
				app.logger.Info("Transaction rejected", "tx", txHash, "code", lerr.Code, "err", lerr.Detail)
			}
			continue
		}

		if err := app.onGoingBlock.Set([]byte(txKeyPrefix+txHash), txBytes); err != nil {
			app.logger.Error("Failed to store transaction", "tx", txHash, "err", err)
		}

		txResults[i] = &abcitypes.ExecTxResult{
			Code:   0,
			Data:   result.Data,
			Log:    result.Info,
			Events: toABCIEvents(result.Events),
		}
		app.pendingTxs = append(app.pendingTxs, committedTx(txHash, txBytes, req, result))
		if app.config.LogAllTxs {
			app.logger.Info("Transaction committed", "tx", txHash, "info", result.Info)
		}
	}

	snapshot, err := app.engine.MarshalState()
	if err != nil {
		return nil, fmt.Errorf("snapshot ledger state: %w", err)
	}
	appHash := sha256.Sum256(snapshot)

	if err := app.onGoingBlock.Set([]byte(stateKey), snapshot); err != nil {
		return nil, fmt.Errorf("store state snapshot: %w", err)
	}
	if err := app.onGoingBlock.Set([]byte(heightKey), int64ToBytes(req.Height)); err != nil {
		return nil, fmt.Errorf("store block height: %w", err)
	}
	if err := app.onGoingBlock.Set([]byte(appHashKey), appHash[:]); err != nil {
		return nil, fmt.Errorf("store app hash: %w", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash[:],
	}, nil
}

// Commit implements the ABCI Commit method. The read model is fed only
// after the block is durable, so an aborted block never reaches an
// observer.
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if err := app.onGoingBlock.Commit(); err != nil {
		app.logger.Error("Failed to commit block", "err", err)
		return &abcitypes.CommitResponse{}, err
	}

	if app.indexer != nil && len(app.pendingTxs) > 0 {
		if err := app.indexer.IndexBlock(app.pendingHeight, app.pendingTxs); err != nil {
			app.logger.Error("Failed to index committed block", "height", app.pendingHeight, "err", err)
		}
	}
	app.pendingTxs = nil

	return &abcitypes.CommitResponse{}, nil
}

// Placeholder implementations for the snapshot and vote extension ABCI methods.
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper functions

func committedTx(txHash string, txBytes []byte, req *abcitypes.FinalizeBlockRequest, result *ledger.ApplyResult) CommittedTx {
	tx, _ := ledger.DecodeTx(txBytes)
	entry := CommittedTx{
		TxHash:      txHash,
		Log:         result.Info,
		BlockHeight: req.Height,
		Events:      result.Events,
		Timestamp:   req.Time,
	}
	if tx != nil {
		entry.Op = string(tx.Op)
		entry.Sender = tx.Sender
	}
	return entry
}

func toABCIEvents(events []ledger.Event) []abcitypes.Event {
	out := make([]abcitypes.Event, 0, len(events))
	for _, event := range events {
		attrs := make([]abcitypes.EventAttribute, 0, len(event.Attributes))
		for _, attr := range event.Attributes {
			attrs = append(attrs, abcitypes.EventAttribute{
				Key:   attr.Key,
				Value: attr.Value,
				Index: true,
			})
		}
		out = append(out, abcitypes.Event{Type: event.Name, Attributes: attrs})
	}
	return out
}

// hashTx derives the deterministic transaction id.
func hashTx(txBytes []byte) string {
	hash := sha256.Sum256(txBytes)
	return hex.EncodeToString(hash[:])
}

func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}
