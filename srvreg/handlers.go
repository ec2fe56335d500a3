package srvreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pharmatrace/pharmatrace/ledger"
	"github.com/pharmatrace/pharmatrace/repository"
)

// SenderHeader carries the stakeholder address signing the mutation.
const SenderHeader = "X-Sender-Address"

const consensusTimeout = 30 * time.Second

// submitResult is the API shape for a committed mutation.
type submitResult struct {
	Message     string          `json:"message"`
	TxHash      string          `json:"tx_hash"`
	BlockHeight int64           `json:"block_height"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// statusForCode maps engine rejection codes onto HTTP status codes.
func statusForCode(code string) int {
	switch code {
	case ledger.CodeUnauthorized:
		return http.StatusForbidden
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeAlreadyExists, ledger.CodeAlreadyRecalled, ledger.CodeProductRecalled:
		return http.StatusConflict
	case ledger.CodeInvalidTx, ledger.CodeInvalidTransition,
		ledger.CodeInvalidRecipient, ledger.CodeMaterialNotVerified:
		return http.StatusUnprocessableEntity
	case "CONSENSUS_TIMEOUT":
		return http.StatusGatewayTimeout
	case "CONSENSUS_ERROR":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(statusCode int, repoErr *repository.RepositoryError) (*Response, error) {
	body, _ := json.Marshal(map[string]string{
		"error":  repoErr.Message,
		"code":   repoErr.Code,
		"detail": repoErr.Detail,
	})
	return &Response{
		StatusCode: statusCode,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, fmt.Errorf("%s: %s", repoErr.Code, repoErr.Detail)
}

func badRequest(message string) (*Response, error) {
	return &Response{
		StatusCode: http.StatusBadRequest,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"error":"%s"}`, message),
	}, fmt.Errorf("%s", message)
}

func jsonResponse(statusCode int, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to serialize response"}`,
		}, err
	}
	return &Response{
		StatusCode: statusCode,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, nil
}

// submitMutation parses the request body into the operation payload and
// pushes the transaction through consensus.
func (sr *ServiceRegistry) submitMutation(req *Request, op ledger.Op, payload any, message string) (*Response, error) {
	sender := req.Headers[SenderHeader]
	if sender == "" {
		return badRequest("Missing " + SenderHeader + " header")
	}

	if err := json.Unmarshal([]byte(req.Body), payload); err != nil {
		sr.logger.Error("Failed to parse request body", "op", op, "error", err.Error())
		return badRequest("Invalid request format")
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return badRequest("Invalid request payload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), consensusTimeout)
	defer cancel()

	result, repoErr := sr.repository.SubmitTx(ctx, ledger.Tx{
		Sender:  sender,
		Op:      op,
		Payload: rawPayload,
	})
	if repoErr != nil {
		sr.logger.Error("Ledger mutation rejected", "op", op, "sender", sender, "code", repoErr.Code)
		return errorResponse(statusForCode(repoErr.Code), repoErr)
	}

	sr.logger.Info("Ledger mutation committed", "op", op, "sender", sender, "height", result.BlockHeight)
	return jsonResponse(http.StatusOK, submitResult{
		Message:     message,
		TxHash:      result.TxHash,
		BlockHeight: result.BlockHeight,
		Data:        result.Data,
	})
}

// Mutation handlers

// RegisterStakeholderHandler enrolls a stakeholder onto the ledger
func (sr *ServiceRegistry) RegisterStakeholderHandler(req *Request) (*Response, error) {
	var payload ledger.RegisterStakeholderPayload
	return sr.submitMutation(req, ledger.OpRegisterStakeholder, &payload, "Stakeholder registered")
}

// GrantRoleHandler grants a capability role to a stakeholder
func (sr *ServiceRegistry) GrantRoleHandler(req *Request) (*Response, error) {
	var payload ledger.GrantRolePayload
	return sr.submitMutation(req, ledger.OpGrantRole, &payload, "Role granted")
}

// DeactivateStakeholderHandler suspends a stakeholder
func (sr *ServiceRegistry) DeactivateStakeholderHandler(req *Request) (*Response, error) {
	var payload ledger.DeactivatePayload
	return sr.submitMutation(req, ledger.OpDeactivate, &payload, "Stakeholder deactivated")
}

// AddRawMaterialHandler records a new raw material batch
func (sr *ServiceRegistry) AddRawMaterialHandler(req *Request) (*Response, error) {
	var payload ledger.AddRawMaterialPayload
	return sr.submitMutation(req, ledger.OpAddRawMaterial, &payload, "Raw material recorded")
}

// VerifyRawMaterialHandler marks a raw material as regulator-verified
func (sr *ServiceRegistry) VerifyRawMaterialHandler(req *Request) (*Response, error) {
	var payload ledger.VerifyRawMaterialPayload
	return sr.submitMutation(req, ledger.OpVerifyRawMaterial, &payload, "Raw material verified")
}

// ManufactureProductHandler mints a product from verified materials
func (sr *ServiceRegistry) ManufactureProductHandler(req *Request) (*Response, error) {
	var payload ledger.ManufactureProductPayload
	return sr.submitMutation(req, ledger.OpManufactureProduct, &payload, "Product manufactured")
}

// TransferProductHandler moves custody along the supply chain
func (sr *ServiceRegistry) TransferProductHandler(req *Request) (*Response, error) {
	var payload ledger.TransferProductPayload
	return sr.submitMutation(req, ledger.OpTransferProduct, &payload, "Product transferred")
}

// SellProductHandler records the final dispensation to a patient
func (sr *ServiceRegistry) SellProductHandler(req *Request) (*Response, error) {
	var payload ledger.SellProductPayload
	return sr.submitMutation(req, ledger.OpSellProduct, &payload, "Product sold")
}

// UpdateProductStatusHandler annotates or advances a product's status
func (sr *ServiceRegistry) UpdateProductStatusHandler(req *Request) (*Response, error) {
	var payload ledger.UpdateStatusPayload
	return sr.submitMutation(req, ledger.OpUpdateStatus, &payload, "Product status updated")
}

// RecallProductHandler pulls a product batch from circulation
func (sr *ServiceRegistry) RecallProductHandler(req *Request) (*Response, error) {
	var payload ledger.RecallProductPayload
	return sr.submitMutation(req, ledger.OpRecallProduct, &payload, "Product recalled")
}

// Read handlers

func pathSegment(path string, index int) (string, bool) {
	parts := strings.Split(path, "/")
	if index >= len(parts) || parts[index] == "" {
		return "", false
	}
	return parts[index], true
}

func pathID(path string, index int) (uint64, bool) {
	segment, ok := pathSegment(path, index)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(segment, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func ledgerErrorResponse(lerr *ledger.Error) (*Response, error) {
	body, _ := json.Marshal(map[string]string{
		"error": lerr.Message,
		"code":  lerr.Code,
	})
	return &Response{
		StatusCode: statusForCode(lerr.Code),
		Headers:    defaultHeaders,
		Body:       string(body),
	}, fmt.Errorf("%s: %s", lerr.Code, lerr.Message)
}

// GetStakeholderHandler returns a stakeholder record
func (sr *ServiceRegistry) GetStakeholderHandler(req *Request) (*Response, error) {
	addr, ok := pathSegment(req.Path, 3)
	if !ok {
		return badRequest("Invalid path format")
	}

	stakeholder, lerr := sr.engine.GetStakeholder(addr)
	if lerr != nil {
		return ledgerErrorResponse(lerr)
	}
	return jsonResponse(http.StatusOK, stakeholder)
}

// GetRawMaterialHandler returns a raw material record
func (sr *ServiceRegistry) GetRawMaterialHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 3)
	if !ok {
		return badRequest("Invalid material id")
	}

	material, lerr := sr.engine.GetRawMaterial(id)
	if lerr != nil {
		return ledgerErrorResponse(lerr)
	}
	return jsonResponse(http.StatusOK, material)
}

// GetProductHandler returns a product record
func (sr *ServiceRegistry) GetProductHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 3)
	if !ok {
		return badRequest("Invalid product id")
	}

	product, lerr := sr.engine.GetProduct(id)
	if lerr != nil {
		return ledgerErrorResponse(lerr)
	}
	return jsonResponse(http.StatusOK, product)
}

// GetProductHistoryHandler returns the custody trail of a product
func (sr *ServiceRegistry) GetProductHistoryHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 3)
	if !ok {
		return badRequest("Invalid product id")
	}

	history, lerr := sr.engine.GetProductHistory(id)
	if lerr != nil {
		return ledgerErrorResponse(lerr)
	}
	return jsonResponse(http.StatusOK, map[string]any{
		"product_id": id,
		"events":     history,
	})
}

// VerifyAuthenticityHandler checks whether a product is genuine and safe
func (sr *ServiceRegistry) VerifyAuthenticityHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 3)
	if !ok {
		return badRequest("Invalid product id")
	}

	isAuthentic, details := sr.engine.VerifyProductAuthenticity(id)
	return jsonResponse(http.StatusOK, map[string]any{
		"product_id":   id,
		"is_authentic": isAuthentic,
		"details":      details,
	})
}

// GetBatchHandler returns all product ids in a batch
func (sr *ServiceRegistry) GetBatchHandler(req *Request) (*Response, error) {
	batch, ok := pathSegment(req.Path, 3)
	if !ok {
		return badRequest("Invalid batch number")
	}

	ids := sr.engine.GetBatchProducts(batch)
	return jsonResponse(http.StatusOK, map[string]any{
		"batch_number": batch,
		"product_ids":  ids,
		"count":        len(ids),
	})
}

// GetManufacturerProductsHandler returns all product ids minted by a manufacturer
func (sr *ServiceRegistry) GetManufacturerProductsHandler(req *Request) (*Response, error) {
	addr, ok := pathSegment(req.Path, 3)
	if !ok {
		return badRequest("Invalid path format")
	}

	ids := sr.engine.GetManufacturerProducts(addr)
	return jsonResponse(http.StatusOK, map[string]any{
		"manufacturer": addr,
		"product_ids":  ids,
		"count":        len(ids),
	})
}

// GetTransactionHandler retrieves a committed transaction from the read model
func (sr *ServiceRegistry) GetTransactionHandler(req *Request) (*Response, error) {
	txHash, ok := pathSegment(req.Path, 3)
	if !ok {
		return badRequest("Invalid path format")
	}

	transaction, repoErr := sr.repository.GetTransactionByHash(txHash)
	if repoErr != nil {
		if repoErr.Code == "TRANSACTION_NOT_FOUND" {
			return errorResponse(http.StatusNotFound, repoErr)
		}
		return errorResponse(http.StatusInternalServerError, repoErr)
	}
	return jsonResponse(http.StatusOK, transaction)
}

// StatusHandler provides node status
func (sr *ServiceRegistry) StatusHandler(req *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, map[string]any{
		"status": "active",
		"type":   "Byzantine Fault Tolerant",
		"ledger": "pharmaceutical provenance",
		"time":   time.Now(),
	})
}
