package srvreg

import (
	"net/http"
	"testing"

	"github.com/pharmatrace/pharmatrace/ledger"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

func newRegistry() *ServiceRegistry {
	return NewServiceRegistry(ledger.NewEngine("0xadmin"), nil, cmtlog.NewNopLogger())
}

func stubHandler(tag string) ServiceHandler {
	return func(req *Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: tag}, nil
	}
}

func TestRouteMatching(t *testing.T) {
	sr := newRegistry()
	sr.RegisterHandler("POST", "/ledger/products", true, stubHandler("mint"))
	sr.RegisterHandler("GET", "/ledger/products/:id", false, stubHandler("get"))
	sr.RegisterHandler("GET", "/ledger/products/:id/history", false, stubHandler("history"))

	cases := []struct {
		method, path string
		want         string
	}{
		{"POST", "/ledger/products", "mint"},
		{"GET", "/ledger/products/12", "get"},
		{"GET", "/ledger/products/12/history", "history"},
	}
	for _, tc := range cases {
		handler, ok := sr.GetHandlerForPath(tc.method, tc.path)
		if !ok {
			t.Fatalf("no handler for %s %s", tc.method, tc.path)
		}
		resp, _ := handler(&Request{Method: tc.method, Path: tc.path})
		if resp.Body != tc.want {
			t.Fatalf("%s %s routed to %q, want %q", tc.method, tc.path, resp.Body, tc.want)
		}
	}

	if _, ok := sr.GetHandlerForPath("GET", "/ledger/products"); ok {
		t.Fatalf("GET on a POST-only route must not match")
	}
	if _, ok := sr.GetHandlerForPath("GET", "/ledger/products/12/extra/deep"); ok {
		t.Fatalf("segment count mismatch must not match")
	}
}

func TestStatusForCode(t *testing.T) {
	cases := map[string]int{
		ledger.CodeUnauthorized:        http.StatusForbidden,
		ledger.CodeNotFound:            http.StatusNotFound,
		ledger.CodeAlreadyExists:       http.StatusConflict,
		ledger.CodeProductRecalled:     http.StatusConflict,
		ledger.CodeAlreadyRecalled:     http.StatusConflict,
		ledger.CodeInvalidTransition:   http.StatusUnprocessableEntity,
		ledger.CodeInvalidRecipient:    http.StatusUnprocessableEntity,
		ledger.CodeMaterialNotVerified: http.StatusUnprocessableEntity,
		ledger.CodeInvalidTx:           http.StatusUnprocessableEntity,
		"CONSENSUS_TIMEOUT":            http.StatusGatewayTimeout,
		"CONSENSUS_ERROR":              http.StatusBadGateway,
		"DATABASE_ERROR":               http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusForCode(code); got != want {
			t.Errorf("statusForCode(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestReadHandlersServeEngineState(t *testing.T) {
	engine := ledger.NewEngine("0xadmin")
	sr := NewServiceRegistry(engine, nil, cmtlog.NewNopLogger())
	sr.RegisterDefaultServices()

	handler, ok := sr.GetHandlerForPath("GET", "/ledger/products/99")
	if !ok {
		t.Fatalf("product route not registered")
	}
	resp, _ := handler(&Request{Method: "GET", Path: "/ledger/products/99"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown product should map to 404, got %d", resp.StatusCode)
	}

	handler, _ = sr.GetHandlerForPath("GET", "/ledger/batches/B-404")
	resp, err := handler(&Request{Method: "GET", Path: "/ledger/batches/B-404"})
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("unknown batch should return an empty list, got %d %v", resp.StatusCode, err)
	}
}
