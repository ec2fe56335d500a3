package srvreg

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pharmatrace/pharmatrace/ledger"
	"github.com/pharmatrace/pharmatrace/repository"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Request represents the client's HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Response represents the computed response from server
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Error      string            `json:"error,omitempty"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey uniquely identifies a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry maps API routes onto ledger operations. Mutations are
// submitted into BFT consensus through the repository; reads are served
// from the local engine replica.
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool
	mu          sync.RWMutex
	engine      *ledger.Engine
	repository  *repository.Repository
	logger      cmtlog.Logger
}

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(engine *ledger.Engine, repository *repository.Repository, logger cmtlog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		engine:      engine,
		repository:  repository,
		logger:      logger,
	}
}

// GenerateRequestID generates a deterministic ID for the request
func (r *Request) GenerateRequestID() {
	hasher := sha256.New()
	hasher.Write([]byte(fmt.Sprintf("%s-%s-%s-%s", r.Path, r.Method, r.Body, r.Timestamp)))
	r.RequestID = hex.EncodeToString(hasher.Sum(nil)[:16])
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the appropriate handler for a given path
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	// Try exact match first
	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok {
		if sr.exactRoutes[key] {
			return handler, true
		}
	}

	// Try pattern matching
	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) {
			continue
		}

		if sr.exactRoutes[routeKey] {
			continue
		}

		if matchPath(routeKey.Path, path) {
			return handler, true
		}
	}

	return nil, false
}

// matchPath does simple pattern matching for routes
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			continue
		}
		if patternParts[i] != pathParts[i] {
			return false
		}
	}

	return true
}

// RegisterDefaultServices sets up the ledger API surface
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Mutations: each POST submits one transaction into consensus
	sr.RegisterHandler("POST", "/ledger/stakeholders", true, sr.RegisterStakeholderHandler)
	sr.RegisterHandler("POST", "/ledger/stakeholders/roles", true, sr.GrantRoleHandler)
	sr.RegisterHandler("POST", "/ledger/stakeholders/deactivate", true, sr.DeactivateStakeholderHandler)
	sr.RegisterHandler("POST", "/ledger/materials", true, sr.AddRawMaterialHandler)
	sr.RegisterHandler("POST", "/ledger/materials/verify", true, sr.VerifyRawMaterialHandler)
	sr.RegisterHandler("POST", "/ledger/products", true, sr.ManufactureProductHandler)
	sr.RegisterHandler("POST", "/ledger/products/transfer", true, sr.TransferProductHandler)
	sr.RegisterHandler("POST", "/ledger/products/sell", true, sr.SellProductHandler)
	sr.RegisterHandler("POST", "/ledger/products/status", true, sr.UpdateProductStatusHandler)
	sr.RegisterHandler("POST", "/ledger/products/recall", true, sr.RecallProductHandler)

	// Reads: served from the committed local replica
	sr.RegisterHandler("GET", "/ledger/stakeholders/:address", false, sr.GetStakeholderHandler)
	sr.RegisterHandler("GET", "/ledger/materials/:id", false, sr.GetRawMaterialHandler)
	sr.RegisterHandler("GET", "/ledger/products/:id", false, sr.GetProductHandler)
	sr.RegisterHandler("GET", "/ledger/products/:id/history", false, sr.GetProductHistoryHandler)
	sr.RegisterHandler("GET", "/ledger/products/:id/authenticity", false, sr.VerifyAuthenticityHandler)
	sr.RegisterHandler("GET", "/ledger/batches/:batch", false, sr.GetBatchHandler)
	sr.RegisterHandler("GET", "/ledger/manufacturers/:address/products", false, sr.GetManufacturerProductsHandler)
	sr.RegisterHandler("GET", "/ledger/transactions/:hash", false, sr.GetTransactionHandler)
	sr.RegisterHandler("GET", "/ledger/status", true, sr.StatusHandler)
}

// ConvertHttpRequestToConsensusRequest converts an http.Request to Request
func ConvertHttpRequestToConsensusRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(string(bodyBytes))
		body = compactJSON(raw)
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}, nil
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"Service not found for %s %s"}`, req.Method, req.Path),
		}, nil
	}

	response, err := handler(req)
	return response, err
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		return strings.TrimSpace(body)
	}
	return buf.String()
}
